package flatfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultMaxFileSize is the size at which a sequence rolls over to a fresh
// data file unless the caller picks its own limit.
const DefaultMaxFileSize = 16 * 1024 * 1024 // 16 MiB

var (
	// ErrBlobTooLarge is returned when a single blob cannot fit into an
	// empty data file.
	ErrBlobTooLarge = errors.New("blob exceeds flat file size limit")

	// ErrPosPastEnd is returned by Reset when the recovered next write
	// position lies beyond the physical end of its data file, meaning
	// the flat files on disk do not match the store the position came
	// from.
	ErrPosPastEnd = errors.New("flat file position past end of file")

	// ErrSeqNotPositioned is returned when writing to a sequence that
	// has not been positioned with Reset yet.
	ErrSeqNotPositioned = errors.New("flat file sequence not positioned")
)

// Seq is an append only sequence of flat files living in a single directory.
// Blob positions are allocated strictly forward, the sequence rolls over to
// a new file once the next blob no longer fits, and files are never
// truncated. A position only becomes meaningful once the caller has
// persisted it elsewhere; after a crash the sequence is repositioned with
// Reset and anything written past that point is dead bytes that later
// writes simply overwrite.
//
// A Seq has a single writer, the goroutine that owns it. ReadAt may be
// called concurrently from any number of readers.
type Seq struct {
	dir         string
	prefix      string
	maxFileSize uint32

	mtx       sync.Mutex
	writeFile *os.File
	nextPos   FilePos
}

// NewSeq creates a flat file sequence rooted at dir using the given file
// name prefix. maxFileSize bounds the size of each data file, zero selects
// DefaultMaxFileSize. The returned sequence must be positioned with Reset
// before any writes.
func NewSeq(dir, prefix string, maxFileSize uint32) *Seq {
	if maxFileSize == 0 {
		maxFileSize = DefaultMaxFileSize
	}

	return &Seq{
		dir:         dir,
		prefix:      prefix,
		maxFileSize: maxFileSize,
	}
}

// fileName returns the on disk name of the numbered data file.
func (s *Seq) fileName(file uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%05d.dat", s.prefix, file))
}

// Reset positions the sequence at pos and opens the corresponding data file
// for writing. The position must not lie beyond the physical end of its
// file: it is recovered from the database at startup, and a position the
// file cannot cover means the database and the flat files disagree.
func (s *Seq) Reset(pos FilePos) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.closeWriteFile(); err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("unable to create flat file dir: %w", err)
	}

	file, err := os.OpenFile(
		s.fileName(pos.File), os.O_RDWR|os.O_CREATE, 0600,
	)
	if err != nil {
		return fmt.Errorf("unable to open flat file: %w", err)
	}

	fileInfo, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("unable to stat flat file: %w", err)
	}
	if fileInfo.Size() < int64(pos.Offset) {
		file.Close()
		return fmt.Errorf("%w: next position %v, file size %d",
			ErrPosPastEnd, pos, fileInfo.Size())
	}

	s.writeFile = file
	s.nextPos = pos

	return nil
}

// NextPos returns the position the next call to Allocate will consider
// first.
func (s *Seq) NextPos() FilePos {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.nextPos
}

// Allocate reserves size bytes at the current end of the sequence and
// returns the position of the reservation, rolling over to the next data
// file if the current one cannot fit the blob. The reservation is advanced
// immediately so a position is never handed out twice.
func (s *Seq) Allocate(size uint32) (FilePos, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.writeFile == nil {
		return FilePos{}, ErrSeqNotPositioned
	}
	if size > s.maxFileSize {
		return FilePos{}, fmt.Errorf("%w: %d > %d", ErrBlobTooLarge,
			size, s.maxFileSize)
	}

	pos := s.nextPos
	if uint64(pos.Offset)+uint64(size) > uint64(s.maxFileSize) {
		// The blob does not fit, seal the current file and move on to
		// the next one in the sequence.
		if err := s.closeWriteFile(); err != nil {
			return FilePos{}, err
		}

		pos = FilePos{File: pos.File + 1}
		file, err := os.OpenFile(
			s.fileName(pos.File), os.O_RDWR|os.O_CREATE, 0600,
		)
		if err != nil {
			return FilePos{}, fmt.Errorf("unable to open flat "+
				"file: %w", err)
		}
		s.writeFile = file
	}

	s.nextPos = FilePos{File: pos.File, Offset: pos.Offset + size}

	return pos, nil
}

// WriteAt writes data at a previously allocated position. Only positions
// inside the current write file are writable, older files in the sequence
// are sealed.
func (s *Seq) WriteAt(pos FilePos, data []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.writeFile == nil {
		return ErrSeqNotPositioned
	}
	if pos.File != s.nextPos.File {
		return fmt.Errorf("write at %v outside current file %d", pos,
			s.nextPos.File)
	}

	if _, err := s.writeFile.WriteAt(data, int64(pos.Offset)); err != nil {
		return fmt.Errorf("unable to write flat file blob at %v: %w",
			pos, err)
	}

	return nil
}

// ReadAt reads size bytes from the given position. Short reads surface as
// errors since callers always know the exact length of the blob they
// stored.
func (s *Seq) ReadAt(pos FilePos, size uint32) ([]byte, error) {
	file, err := os.Open(s.fileName(pos.File))
	if err != nil {
		return nil, fmt.Errorf("unable to open flat file: %w", err)
	}
	defer file.Close()

	data := make([]byte, size)
	if _, err := file.ReadAt(data, int64(pos.Offset)); err != nil {
		return nil, fmt.Errorf("unable to read flat file blob at "+
			"%v: %w", pos, err)
	}

	return data, nil
}

// Flush syncs the current write file to disk. Allocated positions must not
// be persisted anywhere before they have been flushed.
func (s *Seq) Flush() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.writeFile == nil {
		return nil
	}

	if err := s.writeFile.Sync(); err != nil {
		return fmt.Errorf("unable to sync flat file: %w", err)
	}

	return nil
}

// Close releases the write handle after a final sync.
func (s *Seq) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.closeWriteFile()
}

// closeWriteFile syncs and closes the current write file, if any.
//
// NOTE: the sequence mutex must be held.
func (s *Seq) closeWriteFile() error {
	if s.writeFile == nil {
		return nil
	}

	var firstErr error
	if err := s.writeFile.Sync(); err != nil {
		firstErr = fmt.Errorf("unable to sync flat file: %w", err)
	}
	if err := s.writeFile.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("unable to close flat file: %w", err)
	}
	s.writeFile = nil

	return firstErr
}
