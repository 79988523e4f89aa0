package core

import (
	"encoding/binary"
	"time"
)

const (
	// FormatVersion is the on-disk format version for all persistent files.
	FormatVersion uint8 = 1

	// PrefLogMagic marks preference log segment files.
	PrefLogMagic uint32 = 0x4E505046 // "NPPF"
	// VersionMagic marks reward model version blob files.
	VersionMagic uint32 = 0x4E505256 // "NPRV"

	ChecksumSize = 4 // uint32 CRC32 per record
)

// FileHeader is a standard header for all persistent log/blob files.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a new header with the current time and specified
// magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}
