package flute

import (
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
)

// The engine never touches a socket itself. Packets produced by
// Sender.Read are handed to a PacketWriter; datagrams arriving on a
// socket are fed into Receiver.Push. Custom transports are possible by
// implementing these interfaces.

type PacketWriter interface {
	WritePacket(data []byte) error
}

// UDPWriter writes each ALC packet as one datagram.
type UDPWriter struct {
	Conn *net.UDPConn
}

func (writer *UDPWriter) WritePacket(data []byte) error {
	_, err := writer.Conn.Write(data)
	return err
}

// ObjectMeta is the file metadata handed to the external writer when an
// object completes, assembled from the FDT and inband extensions.
type ObjectMeta struct {
	Tsi             uint64
	Toi             uint64
	ContentLocation string
	ContentType     string
	ContentLength   uint64
	TransferLength  uint64
	Cenc            ContentEncoding
	MD5             string

	// OTI learned from the FDT, for objects without inband FTI
	oti *Oti
}

// ObjectWriter is the destination capability the receiver consumes.
// Open is called once per object; blocks may then be written at
// arbitrary offsets as they decode out of order.
type ObjectWriter interface {
	Open(meta *ObjectMeta) (ObjectHandle, error)
}

type ObjectHandle interface {
	WriteAt(data []byte, offset int64) (int, error)
	// Complete finishes the object. md5Verified is false when the
	// session has MD5 checking disabled or no digest was announced.
	Complete(md5Verified bool) error
	// Fail discards the object after an unrecoverable error.
	Fail(reason error)
}

// FilesystemWriter stores received objects under a destination
// directory, using the last path element of the content location as
// file name. Data is written to a hidden temp file and renamed into
// place on completion.
type FilesystemWriter struct {
	Dir string
}

func NewFilesystemWriter(dir string) *FilesystemWriter {
	return &FilesystemWriter{Dir: dir}
}

func (writer *FilesystemWriter) Open(meta *ObjectMeta) (ObjectHandle, error) {
	name := "object-" + xid.New().String()
	if parsed, err := url.Parse(meta.ContentLocation); err == nil {
		if base := path.Base(parsed.Path); base != "" && base != "." && base != "/" {
			name = base
		}
	}
	tempPath := filepath.Join(writer.Dir, "."+xid.New().String()+".part")
	file, err := os.Create(tempPath)
	if err != nil {
		return nil, err
	}
	return &filesystemHandle{
		file:      file,
		tempPath:  tempPath,
		finalPath: filepath.Join(writer.Dir, name),
	}, nil
}

type filesystemHandle struct {
	file      *os.File
	tempPath  string
	finalPath string
}

func (handle *filesystemHandle) WriteAt(data []byte, offset int64) (int, error) {
	return handle.file.WriteAt(data, offset)
}

func (handle *filesystemHandle) Complete(md5Verified bool) error {
	if err := handle.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(handle.tempPath, handle.finalPath); err != nil {
		return err
	}
	log.Infof("[WRITER] delivered %s (md5 verified: %v)", handle.finalPath, md5Verified)
	return nil
}

func (handle *filesystemHandle) Fail(reason error) {
	handle.file.Close()
	os.Remove(handle.tempPath)
	log.Warnf("[WRITER] discarded %s: %v", handle.finalPath, reason)
}

// MemoryWriter collects objects in memory, keyed by content location.
// Mostly useful in tests and examples.
type MemoryWriter struct {
	mu      sync.Mutex
	Objects map[string][]byte
	Failed  map[string]error
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{
		Objects: make(map[string][]byte),
		Failed:  make(map[string]error),
	}
}

func (writer *MemoryWriter) Open(meta *ObjectMeta) (ObjectHandle, error) {
	return &memoryHandle{writer: writer, meta: meta, data: make([]byte, meta.ContentLength)}, nil
}

type memoryHandle struct {
	writer *MemoryWriter
	meta   *ObjectMeta
	data   []byte
}

func (handle *memoryHandle) WriteAt(data []byte, offset int64) (int, error) {
	end := offset + int64(len(data))
	if end > int64(len(handle.data)) {
		grown := make([]byte, end)
		copy(grown, handle.data)
		handle.data = grown
	}
	copy(handle.data[offset:], data)
	return len(data), nil
}

func (handle *memoryHandle) Complete(md5Verified bool) error {
	handle.writer.mu.Lock()
	defer handle.writer.mu.Unlock()
	handle.writer.Objects[handle.meta.ContentLocation] = handle.data
	return nil
}

func (handle *memoryHandle) Fail(reason error) {
	handle.writer.mu.Lock()
	defer handle.writer.mu.Unlock()
	handle.writer.Failed[handle.meta.ContentLocation] = reason
}

var _ ObjectWriter = (*FilesystemWriter)(nil)
var _ ObjectWriter = (*MemoryWriter)(nil)
