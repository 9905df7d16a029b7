package flute

import (
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"time"
)

// Target acquisition constraint of an object: the sender paces the
// transfer so that every symbol is emitted before the target.
type TargetAcquisition struct {
	duration time.Duration
	deadline time.Time
}

// TargetWithinDuration asks for completion within d of the first packet.
func TargetWithinDuration(d time.Duration) *TargetAcquisition {
	return &TargetAcquisition{duration: d}
}

// TargetWithinTime asks for completion before an absolute instant.
func TargetWithinTime(t time.Time) *TargetAcquisition {
	return &TargetAcquisition{deadline: t}
}

type carouselMode int

const (
	CAROUSEL_NONE carouselMode = iota
	CAROUSEL_DELAY_BETWEEN_TRANSFERS
	CAROUSEL_INTERVAL_BETWEEN_START_TIMES
)

// Carousel repetition policy of an object.
type CarouselRepeat struct {
	mode     carouselMode
	interval time.Duration
}

// RepeatDelayBetweenTransfers leaves at least d of quiet time between
// the end of one pass and the start of the next.
func RepeatDelayBetweenTransfers(d time.Duration) *CarouselRepeat {
	return &CarouselRepeat{mode: CAROUSEL_DELAY_BETWEEN_TRANSFERS, interval: d}
}

// RepeatIntervalBetweenStartTimes spaces successive pass starts by d.
func RepeatIntervalBetweenStartTimes(d time.Duration) *CarouselRepeat {
	return &CarouselRepeat{mode: CAROUSEL_INTERVAL_BETWEEN_START_TIMES, interval: d}
}

// ObjectDesc describes one file registered with the sender. Content is
// either a byte buffer or an io.ReaderAt for streaming large files.
type ObjectDesc struct {
	ContentLocation string
	ContentType     string
	Cenc            ContentEncoding

	Content []byte
	// Streaming source, exclusive with Content. Streaming objects
	// cannot use a content encoding.
	Reader        io.ReaderAt
	ContentLength uint64

	// Base64 MD5 over the transfer bytes. Computed when empty and MD5
	// is enabled on the session.
	MD5 string

	TargetAcquisition *TargetAcquisition
	CarouselRepeat    *CarouselRepeat
	// Per object OTI override, session default when nil
	Oti      *Oti
	Priority int

	// Transfer bytes after content encoding, buffered objects only
	transfer       []byte
	transferLength uint64
}

// NewObjectDescFromBuffer registers in-memory content.
func NewObjectDescFromBuffer(content []byte, contentLocation string, contentType string, cenc ContentEncoding) *ObjectDesc {
	return &ObjectDesc{
		Content:         content,
		ContentLocation: contentLocation,
		ContentType:     contentType,
		ContentLength:   uint64(len(content)),
		Cenc:            cenc,
	}
}

// NewObjectDescFromReader registers a streaming file of known length.
// The reader must support positioned reads; the sender keeps only a
// sliding window of blocks in memory.
func NewObjectDescFromReader(reader io.ReaderAt, length uint64, contentLocation string, contentType string) *ObjectDesc {
	return &ObjectDesc{
		Reader:          reader,
		ContentLength:   length,
		ContentLocation: contentLocation,
		ContentType:     contentType,
		Cenc:            CENC_NULL,
	}
}

// prepare derives the transfer bytes and the MD5 once, when the object
// is added to the sender.
func (obj *ObjectDesc) prepare(md5Enabled bool) error {
	if obj.ContentLocation == "" {
		return fmt.Errorf("%w: object without content location", ErrConfig)
	}
	if obj.Reader != nil {
		if obj.Content != nil {
			return fmt.Errorf("%w: object has both buffer and reader", ErrConfig)
		}
		if obj.Cenc != CENC_NULL {
			return fmt.Errorf("%w: content encoding requires a buffered object", ErrConfig)
		}
		obj.transferLength = obj.ContentLength
		if md5Enabled && obj.MD5 == "" {
			digest, err := md5OfReader(obj.Reader, obj.ContentLength)
			if err != nil {
				return fmt.Errorf("%w: cannot hash streaming object: %v", ErrConfig, err)
			}
			obj.MD5 = digest
		}
		return nil
	}
	if obj.Content == nil {
		obj.Content = []byte{}
	}
	transfer, err := CencEncode(obj.Cenc, obj.Content)
	if err != nil {
		return err
	}
	obj.transfer = transfer
	obj.transferLength = uint64(len(transfer))
	if md5Enabled && obj.MD5 == "" {
		digest := md5.Sum(transfer)
		obj.MD5 = base64.StdEncoding.EncodeToString(digest[:])
	}
	return nil
}

// readBlock returns the transfer bytes of one block.
func (obj *ObjectDesc) readBlock(layout *BlockLayout, sbn uint32) ([]byte, error) {
	offset := layout.Offset(sbn)
	size := layout.Size(sbn)
	if obj.transfer != nil {
		return obj.transfer[offset : offset+size], nil
	}
	if size == 0 {
		return []byte{}, nil
	}
	data := make([]byte, size)
	if _, err := obj.Reader.ReadAt(data, int64(offset)); err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}

func md5OfReader(reader io.ReaderAt, length uint64) (string, error) {
	hash := md5.New()
	section := io.NewSectionReader(reader, 0, int64(length))
	if _, err := io.Copy(hash, section); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(hash.Sum(nil)), nil
}
