package flute

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
)

// Content encoding transform, RFC 6726 3.3. The sender applies it to the
// object content before FEC partitioning, the receiver reverses it after
// block assembly.

// CencEncode transforms content bytes into transfer bytes.
func CencEncode(cenc ContentEncoding, content []byte) ([]byte, error) {
	if cenc == CENC_NULL {
		return content, nil
	}
	var compressed bytes.Buffer
	var writer io.WriteCloser
	var err error
	switch cenc {
	case CENC_ZLIB:
		writer = zlib.NewWriter(&compressed)
	case CENC_DEFLATE:
		writer, err = flate.NewWriter(&compressed, flate.DefaultCompression)
	case CENC_GZIP:
		writer = gzip.NewWriter(&compressed)
	default:
		return nil, fmt.Errorf("%w: unknown encoding %d", ErrContentEncoding, cenc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentEncoding, err)
	}
	if _, err = writer.Write(content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentEncoding, err)
	}
	if err = writer.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentEncoding, err)
	}
	return compressed.Bytes(), nil
}

// CencDecode reverses the transform on assembled transfer bytes.
// Corrupt or truncated streams fail with ErrContentEncoding.
func CencDecode(cenc ContentEncoding, transfer []byte) ([]byte, error) {
	if cenc == CENC_NULL {
		return transfer, nil
	}
	var reader io.ReadCloser
	var err error
	switch cenc {
	case CENC_ZLIB:
		reader, err = zlib.NewReader(bytes.NewReader(transfer))
	case CENC_DEFLATE:
		reader = flate.NewReader(bytes.NewReader(transfer))
	case CENC_GZIP:
		reader, err = gzip.NewReader(bytes.NewReader(transfer))
	default:
		return nil, fmt.Errorf("%w: unknown encoding %d", ErrContentEncoding, cenc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentEncoding, err)
	}
	defer reader.Close()
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentEncoding, err)
	}
	return content, nil
}
