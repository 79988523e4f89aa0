package prefstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/INLOpen/nexuspref/core"
)

const (
	segmentFileSuffix = ".plog"
	// MaxSegmentSize is the default maximum size for a preference log
	// segment file. Preference volume is human-paced, so segments stay
	// small.
	MaxSegmentSize = 8 * 1024 * 1024 // 8 MB
)

// SegmentWriter handles writing framed records to one log segment file.
type SegmentWriter struct {
	file   *os.File
	writer *bufio.Writer
	path   string
	index  uint64
}

// SegmentReader handles reading framed records from one log segment file.
type SegmentReader struct {
	file       *os.File
	reader     *bufio.Reader
	path       string
	index      uint64
	compressor core.Compressor
	offset     int64 // file offset just past the last cleanly read record
}

// formatSegmentFileName creates a segment file name from its index.
func formatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, segmentFileSuffix)
}

// parseSegmentFileName extracts the index from a segment file name.
func parseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, segmentFileSuffix) {
		return 0, fmt.Errorf("file %s is not a preference log segment", name)
	}
	name = strings.TrimSuffix(name, segmentFileSuffix)
	return strconv.ParseUint(name, 10, 64)
}

// CreateSegment creates a new segment file in the given directory and
// writes its header.
func CreateSegment(dir string, index uint64, compressorType core.CompressionType) (*SegmentWriter, error) {
	path := filepath.Join(dir, formatSegmentFileName(index))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	header := core.NewFileHeader(core.PrefLogMagic, compressorType)
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}

	return &SegmentWriter{
		file:   file,
		writer: bufio.NewWriter(file),
		path:   path,
		index:  index,
	}, nil
}

// OpenSegmentForRead opens an existing segment file and validates its
// header. The returned reader decompresses records with the codec named
// in the header, so a store reopened with a different configured codec
// still replays old segments correctly.
func OpenSegmentForRead(path string, newCompressor func(core.CompressionType) (core.Compressor, error)) (*SegmentReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file for reading %s: %w", path, err)
	}

	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		if err == io.EOF {
			return nil, fmt.Errorf("segment file %s is empty or truncated at header", path)
		}
		return nil, fmt.Errorf("failed to read segment header from %s: %w", path, err)
	}
	if header.Magic != core.PrefLogMagic {
		file.Close()
		return nil, fmt.Errorf("invalid magic number in segment %s: got %x, want %x", path, header.Magic, core.PrefLogMagic)
	}

	compressor, err := newCompressor(header.CompressorType)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}

	index, err := parseSegmentFileName(filepath.Base(path))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("could not parse segment index from path %s: %w", path, err)
	}

	return &SegmentReader{
		file:       file,
		reader:     bufio.NewReader(file),
		path:       path,
		index:      index,
		compressor: compressor,
		offset:     int64(binary.Size(&header)),
	}, nil
}

// WriteRecord writes a single framed record to the segment.
// Format: length (4 bytes) | data (variable) | checksum (4 bytes)
func (sw *SegmentWriter) WriteRecord(data []byte) (int, error) {
	if sw.file == nil {
		return 0, os.ErrClosed
	}

	if err := binary.Write(sw.writer, binary.LittleEndian, uint32(len(data))); err != nil {
		return 0, fmt.Errorf("failed to write record length: %w", err)
	}
	if _, err := sw.writer.Write(data); err != nil {
		return 0, fmt.Errorf("failed to write record data: %w", err)
	}
	checksum := crc32.ChecksumIEEE(data)
	if err := binary.Write(sw.writer, binary.LittleEndian, checksum); err != nil {
		return 0, fmt.Errorf("failed to write record checksum: %w", err)
	}
	return 4 + len(data) + core.ChecksumSize, nil
}

// Sync flushes the buffered writer and syncs the file to disk.
func (sw *SegmentWriter) Sync() error {
	if err := sw.writer.Flush(); err != nil {
		return err
	}
	return sw.file.Sync()
}

// Close flushes and closes the segment file.
func (sw *SegmentWriter) Close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.Sync()
	closeErr := sw.file.Close()
	sw.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// Size returns the current size of the segment file.
func (sw *SegmentWriter) Size() (int64, error) {
	if sw.file == nil {
		return 0, os.ErrClosed
	}
	if err := sw.writer.Flush(); err != nil {
		return 0, err
	}
	stat, err := sw.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// ReadRecord reads and verifies the next framed record, returning the
// decompressed payload. io.EOF signals a clean end of segment;
// io.ErrUnexpectedEOF signals a torn trailing record.
func (sr *SegmentReader) ReadRecord() ([]byte, error) {
	var length uint32
	if err := binary.Read(sr.reader, binary.LittleEndian, &length); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, io.ErrUnexpectedEOF
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(sr.reader, data); err != nil {
		return nil, io.ErrUnexpectedEOF
	}

	var storedChecksum uint32
	if err := binary.Read(sr.reader, binary.LittleEndian, &storedChecksum); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	if crc32.ChecksumIEEE(data) != storedChecksum {
		return nil, fmt.Errorf("checksum mismatch in segment %s", sr.path)
	}

	rc, err := sr.compressor.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress record in segment %s: %w", sr.path, err)
	}
	defer rc.Close()
	payload, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read record in segment %s: %w", sr.path, err)
	}
	sr.offset += int64(4 + int(length) + core.ChecksumSize)
	return payload, nil
}

// CleanOffset returns the file offset just past the last record read
// without error. Recovery truncates a torn segment down to this offset so
// the repaired file replays cleanly on every later open.
func (sr *SegmentReader) CleanOffset() int64 { return sr.offset }

// Close closes the segment file.
func (sr *SegmentReader) Close() error {
	if sr.file == nil {
		return nil
	}
	err := sr.file.Close()
	sr.file = nil
	return err
}
