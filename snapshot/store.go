// Package snapshot persists published reward model versions. Each version
// is one immutable blob file; a CURRENT file names the latest. Versions
// survive process restarts and seed the version id allocator so ids stay
// monotonic.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexuspref/compressors"
	"github.com/INLOpen/nexuspref/core"
)

const (
	versionFileSuffix = ".rmv"
	currentFileName   = "CURRENT"
)

// Options holds configuration for the version store.
type Options struct {
	Dir        string
	Compressor core.Compressor
	Logger     *slog.Logger
}

// Store is the durable reward model version store.
type Store struct {
	mu   sync.Mutex
	opts Options

	versionIDs []core.VersionID
	logger     *slog.Logger

	// Versions is seeded from the highest recovered id; the trainer
	// shares it so freshly trained versions continue the sequence.
	Versions *core.IDAllocator
}

// Open creates or opens a version store directory and recovers the set of
// persisted versions.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.Logger = opts.Logger.With("component", "VersionStore")
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewSnappyCompressor()
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create version store directory %s: %w", opts.Dir, err)
	}

	s := &Store{
		opts:     opts,
		logger:   opts.Logger,
		Versions: &core.IDAllocator{},
	}
	if err := s.loadVersions(); err != nil {
		return nil, err
	}
	if n := len(s.versionIDs); n > 0 {
		s.Versions.Seed(uint64(s.versionIDs[n-1]))
		s.logger.Info("Version store opened", "dir", opts.Dir, "versions", n, "latest", s.versionIDs[n-1])
	} else {
		s.logger.Info("Version store opened empty", "dir", opts.Dir)
	}
	return s, nil
}

func (s *Store) loadVersions() error {
	files, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), versionFileSuffix) {
			continue
		}
		idStr := strings.TrimSuffix(f.Name(), versionFileSuffix)
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			s.logger.Warn("Ignoring unparseable version file", "file", f.Name())
			continue
		}
		s.versionIDs = append(s.versionIDs, core.VersionID(id))
	}
	sort.Slice(s.versionIDs, func(i, j int) bool { return s.versionIDs[i] < s.versionIDs[j] })
	return nil
}

func versionFileName(id core.VersionID) string {
	return fmt.Sprintf("%08d%s", id, versionFileSuffix)
}

// Save durably persists a version and updates CURRENT. Versions are
// immutable: saving an id that already exists is an error. The blob is
// written to a temp file and renamed so a crash never leaves a partial
// version visible.
func (s *Store) Save(v *core.RewardModelVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.opts.Dir, versionFileName(v.ID))
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("version %d already exists", v.ID)
	}

	blob, err := encodeVersion(v, s.opts.Compressor)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0644); err != nil {
		return fmt.Errorf("failed to write version %d: %w", v.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish version %d: %w", v.ID, err)
	}

	// CURRENT is advisory; a stale CURRENT is repaired by the directory
	// scan on the next open.
	currentTmp := filepath.Join(s.opts.Dir, currentFileName+".tmp")
	if err := os.WriteFile(currentTmp, []byte(versionFileName(v.ID)+"\n"), 0644); err == nil {
		if err := os.Rename(currentTmp, filepath.Join(s.opts.Dir, currentFileName)); err != nil {
			os.Remove(currentTmp)
			s.logger.Warn("Failed to update CURRENT", "version", v.ID, "error", err)
		}
	} else {
		s.logger.Warn("Failed to write CURRENT", "version", v.ID, "error", err)
	}

	s.versionIDs = append(s.versionIDs, v.ID)
	sort.Slice(s.versionIDs, func(i, j int) bool { return s.versionIDs[i] < s.versionIDs[j] })
	s.Versions.Seed(uint64(v.ID))
	s.logger.Info("Saved reward model version", "version", v.ID, "preferences", v.TrainedOnPreferences)
	return nil
}

// Load reads one persisted version by id.
func (s *Store) Load(id core.VersionID) (*core.RewardModelVersion, error) {
	path := filepath.Join(s.opts.Dir, versionFileName(id))
	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("version %d: %w", id, core.ErrNotFound)
		}
		return nil, err
	}
	return decodeVersion(blob)
}

// Latest returns the highest persisted version, or ErrNotFound when the
// store is empty.
func (s *Store) Latest() (*core.RewardModelVersion, error) {
	s.mu.Lock()
	n := len(s.versionIDs)
	var id core.VersionID
	if n > 0 {
		id = s.versionIDs[n-1]
	}
	s.mu.Unlock()
	if n == 0 {
		return nil, core.ErrNotFound
	}
	return s.Load(id)
}

// List returns the ids of all persisted versions in ascending order.
func (s *Store) List() []core.VersionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.VersionID, len(s.versionIDs))
	copy(out, s.versionIDs)
	return out
}

// Blob layout: FileHeader | id(8) trained_on(8) final_loss(8)
// created_at(8) family_len(2) family | params_len(4) params crc(4).
// Params are compressed with the store's codec; the header carries the
// codec tag for decode.
func encodeVersion(v *core.RewardModelVersion, compressor core.Compressor) ([]byte, error) {
	params, err := compressor.Compress(v.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to compress version params: %w", err)
	}

	var buf []byte
	header := core.NewFileHeader(core.VersionMagic, compressor.Type())
	hbuf := make([]byte, header.Size())
	hw := &sliceWriter{buf: hbuf}
	if err := binary.Write(hw, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	buf = append(buf, hbuf[:hw.off]...)

	meta := make([]byte, 8+8+8+8+2)
	binary.LittleEndian.PutUint64(meta[0:], uint64(v.ID))
	binary.LittleEndian.PutUint64(meta[8:], uint64(v.TrainedOnPreferences))
	binary.LittleEndian.PutUint64(meta[16:], math.Float64bits(v.FinalLoss))
	binary.LittleEndian.PutUint64(meta[24:], uint64(v.CreatedAt.UnixNano()))
	binary.LittleEndian.PutUint16(meta[32:], uint16(len(v.LossFamily)))
	buf = append(buf, meta...)
	buf = append(buf, v.LossFamily...)

	plen := make([]byte, 4)
	binary.LittleEndian.PutUint32(plen, uint32(len(params)))
	buf = append(buf, plen...)
	buf = append(buf, params...)

	crc := make([]byte, 4)
	binary.LittleEndian.PutUint32(crc, crc32.ChecksumIEEE(params))
	buf = append(buf, crc...)
	return buf, nil
}

func decodeVersion(blob []byte) (*core.RewardModelVersion, error) {
	var header core.FileHeader
	hsize := header.Size()
	if len(blob) < hsize {
		return nil, fmt.Errorf("version blob truncated at header")
	}
	hr := &sliceReader{buf: blob}
	if err := binary.Read(hr, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	if header.Magic != core.VersionMagic {
		return nil, fmt.Errorf("invalid version magic: got %x, want %x", header.Magic, core.VersionMagic)
	}
	compressor, err := compressors.New(header.CompressorType)
	if err != nil {
		return nil, err
	}

	rest := blob[hr.off:]
	if len(rest) < 34 {
		return nil, fmt.Errorf("version blob truncated at metadata")
	}
	v := &core.RewardModelVersion{
		ID:                   core.VersionID(binary.LittleEndian.Uint64(rest[0:])),
		TrainedOnPreferences: int(binary.LittleEndian.Uint64(rest[8:])),
		FinalLoss:            math.Float64frombits(binary.LittleEndian.Uint64(rest[16:])),
		CreatedAt:            time.Unix(0, int64(binary.LittleEndian.Uint64(rest[24:]))),
	}
	familyLen := int(binary.LittleEndian.Uint16(rest[32:]))
	rest = rest[34:]
	if len(rest) < familyLen+4 {
		return nil, fmt.Errorf("version blob truncated at family")
	}
	v.LossFamily = string(rest[:familyLen])
	rest = rest[familyLen:]

	plen := int(binary.LittleEndian.Uint32(rest[0:]))
	rest = rest[4:]
	if len(rest) < plen+4 {
		return nil, fmt.Errorf("version blob truncated at params")
	}
	params := rest[:plen]
	stored := binary.LittleEndian.Uint32(rest[plen:])
	if crc32.ChecksumIEEE(params) != stored {
		return nil, fmt.Errorf("version %d params checksum mismatch", v.ID)
	}

	rc, err := compressor.Decompress(params)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress version %d params: %w", v.ID, err)
	}
	defer rc.Close()
	v.Params, err = io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// sliceWriter/sliceReader adapt a byte slice for binary.Write/Read of the
// fixed-size header without an intermediate bytes.Buffer allocation.
type sliceWriter struct {
	buf []byte
	off int
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.off:], p)
	w.off += n
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

type sliceReader struct {
	buf []byte
	off int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.off >= len(r.buf) {
		return 0, io.EOF
	}
	n := copy(p, r.buf[r.off:])
	r.off += n
	return n, nil
}
