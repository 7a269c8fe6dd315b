package vectorstore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	fileMagic   uint32 = 0x46524731 // "FRG1"
	fileVersion uint32 = 1
)

// Compression selects how the vector payload is encoded on disk.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZSTD
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZSTD:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration value onto a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zstd":
		return CompressionZSTD, nil
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown index compression %q", s)
	}
}

// fileHeader is the fixed 32-byte little-endian preamble. Checksum covers the
// uncompressed payload.
type fileHeader struct {
	Magic       uint32
	Version     uint32
	Compression uint8
	_           [3]byte
	Dim         uint32
	Count       uint64
	Checksum    uint32
	_           [4]byte
}

// Save writes the index to a temporary file next to path and renames it into
// place, so a crash never leaves a half-written index behind.
func (s *FlatIP) Save(path string) error {
	s.mu.RLock()
	payload := encodeFloats(s.data)
	hdr := fileHeader{
		Magic:       fileMagic,
		Version:     fileVersion,
		Compression: uint8(s.compression),
		Dim:         uint32(s.dim),
		Count:       uint64(len(s.data) / s.dim),
		Checksum:    crc32.ChecksumIEEE(payload),
	}
	s.mu.RUnlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".index-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp index file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write index header: %w", err)
	}
	if err := writePayload(w, Compression(hdr.Compression), payload); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close index: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move index into place: %w", err)
	}
	return nil
}

// Load reads an index written by Save. Options override the stored compression
// for subsequent saves.
func Load(path string, opts ...Option) (*FlatIP, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissingIndex, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open index %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var hdr fileHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrCorruptIndex, err)
	}
	if hdr.Magic != fileMagic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrCorruptIndex, hdr.Magic)
	}
	if hdr.Version != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptIndex, hdr.Version)
	}
	if hdr.Dim == 0 {
		return nil, fmt.Errorf("%w: zero dimension", ErrCorruptIndex)
	}

	size := hdr.Count * uint64(hdr.Dim) * 4
	if size/4/uint64(hdr.Dim) != hdr.Count || size > math.MaxInt32*4 {
		return nil, fmt.Errorf("%w: implausible size %d x %d", ErrCorruptIndex, hdr.Count, hdr.Dim)
	}
	payload, err := readPayload(r, Compression(hdr.Compression), int(size))
	if err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(payload) != hdr.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptIndex)
	}

	s := &FlatIP{
		dim:         int(hdr.Dim),
		data:        decodeFloats(payload),
		compression: Compression(hdr.Compression),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func writePayload(w io.Writer, c Compression, payload []byte) error {
	switch c {
	case CompressionNone:
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("failed to write index payload: %w", err)
		}
		return nil
	case CompressionZSTD:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		if _, err := enc.Write(payload); err != nil {
			enc.Close()
			return fmt.Errorf("failed to compress index payload: %w", err)
		}
		return enc.Close()
	case CompressionLZ4:
		zw := lz4.NewWriter(w)
		if _, err := zw.Write(payload); err != nil {
			zw.Close()
			return fmt.Errorf("failed to compress index payload: %w", err)
		}
		return zw.Close()
	default:
		return fmt.Errorf("unknown compression %s", c)
	}
}

func readPayload(r io.Reader, c Compression, size int) ([]byte, error) {
	var src io.Reader
	switch c {
	case CompressionNone:
		src = r
	case CompressionZSTD:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
		}
		defer dec.Close()
		src = dec
	case CompressionLZ4:
		src = lz4.NewReader(r)
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrCorruptIndex, uint8(c))
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(src, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated payload: %v", ErrCorruptIndex, err)
	}
	return payload, nil
}

func encodeFloats(data []float32) []byte {
	out := make([]byte, len(data)*4)
	for i, f := range data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeFloats(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
