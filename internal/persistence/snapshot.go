// Package persistence writes the whole document store to a single snapshot
// file and restores it at startup.
//
// File layout (little endian):
//
//	[0:4)   magic "DSNP"
//	[4:8)   format version
//	[8:12)  document count
//	[12:16) reserved
//	[16:24) created at (unix seconds)
//	[24:32) payload length
//	[32:n)  JSON payload: map of id -> document
//	[n:n+4) CRC32 (IEEE) of the payload
package persistence

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/document"
)

const (
	MagicBytes    uint32 = 0x504E5344
	FormatVersion uint32 = 1
	HeaderSize    int    = 32
	FooterSize    int    = 4
)

// ErrCorrupt means the snapshot exists but cannot be trusted.
var ErrCorrupt = errors.New("corrupt snapshot")

// Snapshotter saves and loads the snapshot at a fixed path.
type Snapshotter struct {
	path   string
	logger *slog.Logger
}

// New returns a Snapshotter for path. Nothing is touched on disk until Save
// or Load is called.
func New(path string) *Snapshotter {
	return &Snapshotter{
		path:   path,
		logger: slog.Default().With("component", "snapshot"),
	}
}

// Path returns the snapshot file path.
func (s *Snapshotter) Path() string {
	return s.path
}

// Save serialises docs and replaces the snapshot file. It writes a temp file
// in the same directory and renames it over the target, so readers only ever
// see a complete file. Returns the number of bytes written.
func (s *Snapshotter) Save(docs map[string]document.Document) (int64, error) {
	payload, err := json.Marshal(docs)
	if err != nil {
		return 0, fmt.Errorf("encoding snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating snapshot directory: %w", err)
	}

	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(header[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(docs)))
	binary.LittleEndian.PutUint64(header[16:24], uint64(time.Now().Unix()))
	binary.LittleEndian.PutUint64(header[24:32], uint64(len(payload)))
	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(footer, crc32.ChecksumIEEE(payload))

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("creating temp snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	for _, chunk := range [][]byte{header, payload, footer} {
		if _, err = tmp.Write(chunk); err != nil {
			return 0, fmt.Errorf("writing snapshot: %w", err)
		}
	}
	if err = tmp.Sync(); err != nil {
		return 0, fmt.Errorf("syncing snapshot: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return 0, fmt.Errorf("closing snapshot: %w", err)
	}
	if err = os.Rename(tmpPath, s.path); err != nil {
		return 0, fmt.Errorf("renaming snapshot: %w", err)
	}

	size := int64(HeaderSize + len(payload) + FooterSize)
	s.logger.Debug("snapshot written", "path", s.path, "docs", len(docs), "bytes", size)
	return size, nil
}

// Load reads the snapshot. A missing file yields an empty map and no error.
// A file that fails validation yields an error wrapping ErrCorrupt.
func (s *Snapshotter) Load() (map[string]document.Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]document.Document), nil
		}
		return nil, fmt.Errorf("reading snapshot %s: %w", s.path, err)
	}
	docs, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", s.path, err)
	}
	s.logger.Info("snapshot loaded", "path", s.path, "docs", len(docs))
	return docs, nil
}

func decode(data []byte) (map[string]document.Document, error) {
	if len(data) < HeaderSize+FooterSize {
		return nil, fmt.Errorf("%w: file too short (%d bytes)", ErrCorrupt, len(data))
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != MagicBytes {
		return nil, fmt.Errorf("%w: bad magic bytes %x", ErrCorrupt, magic)
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, version)
	}
	count := binary.LittleEndian.Uint32(data[8:12])
	payloadLen := binary.LittleEndian.Uint64(data[24:32])
	if payloadLen != uint64(len(data)-HeaderSize-FooterSize) {
		return nil, fmt.Errorf("%w: payload length %d does not match file size %d",
			ErrCorrupt, payloadLen, len(data))
	}
	payload := data[HeaderSize : HeaderSize+int(payloadLen)]
	want := binary.LittleEndian.Uint32(data[HeaderSize+int(payloadLen):])
	if got := crc32.ChecksumIEEE(payload); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch (got %08x, want %08x)", ErrCorrupt, got, want)
	}

	docs := make(map[string]document.Document)
	if err := json.Unmarshal(payload, &docs); err != nil {
		return nil, fmt.Errorf("%w: decoding payload: %v", ErrCorrupt, err)
	}
	if uint32(len(docs)) != count {
		return nil, fmt.Errorf("%w: header says %d documents, payload has %d", ErrCorrupt, count, len(docs))
	}
	for id, d := range docs {
		if d.Metadata == nil {
			d.Metadata = map[string]string{}
			docs[id] = d
		}
	}
	return docs, nil
}
