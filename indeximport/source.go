package indeximport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/exp/mmap"
)

// ImportedFilter is one entry read from a filter import source.
type ImportedFilter struct {
	// Height is the block height the filter belongs to.
	Height uint32

	// BlockHash is the hash of the block the filter belongs to.
	BlockHash chainhash.Hash

	// Filter is the block's basic filter.
	Filter *gcs.Filter
}

// FilterSource hands out the filters of an import source in ascending
// height order.
type FilterSource interface {
	// Open prepares the source for reading and parses its metadata.
	Open() error

	// Metadata returns the source's parsed metadata. Open must have
	// been called first.
	Metadata() *Metadata

	// NextFilter returns the next filter of the sequence. It returns
	// io.EOF once all filters announced by the metadata have been
	// handed out.
	NextFilter() (*ImportedFilter, error)

	// Close releases the source.
	Close() error
}

// fileFilterSource reads a filter import file through a memory map.
type fileFilterSource struct {
	// path is the location of the filter file.
	path string

	// file provides sequential reads over the memory mapped file.
	file *mmapFile

	// meta contains the parsed file metadata.
	meta *Metadata

	// next is the height of the next filter handed out.
	next uint32

	// read is the number of filters handed out so far.
	read uint32
}

// Compile-time assertion to ensure fileFilterSource implements the
// FilterSource interface.
var _ FilterSource = (*fileFilterSource)(nil)

// NewFileSource creates a filter source reading from the file at the
// given path.
func NewFileSource(path string) FilterSource {
	return &fileFilterSource{path: path}
}

// Open memory maps the file and parses its metadata.
func (f *fileFilterSource) Open() error {
	r, err := mmap.Open(f.path)
	if err != nil {
		return fmt.Errorf("failed to mmap file %s: %w", f.path, err)
	}
	f.file = newMmapFile(r)

	meta := &Metadata{}
	if err := meta.Decode(f.file); err != nil {
		f.file.Close()
		f.file = nil

		return fmt.Errorf("failed to parse metadata of %s: %w",
			f.path, err)
	}

	f.meta = meta
	f.next = meta.StartHeight

	return nil
}

// Metadata returns the parsed file metadata.
func (f *fileFilterSource) Metadata() *Metadata {
	return f.meta
}

// NextFilter reads the next filter record of the file.
func (f *fileFilterSource) NextFilter() (*ImportedFilter, error) {
	if f.file == nil {
		return nil, errors.New("filter source not open")
	}

	if f.read == f.meta.FilterCount {
		return nil, io.EOF
	}

	var entry ImportedFilter
	if _, err := io.ReadFull(f.file, entry.BlockHash[:]); err != nil {
		return nil, fmt.Errorf("failed to read block hash at height "+
			"%d: %w", f.next, err)
	}

	var dataLen uint32
	err := binary.Read(f.file, binary.LittleEndian, &dataLen)
	if err != nil {
		return nil, fmt.Errorf("failed to read filter length at "+
			"height %d: %w", f.next, err)
	}

	filterBytes := make([]byte, dataLen)
	if _, err := io.ReadFull(f.file, filterBytes); err != nil {
		return nil, fmt.Errorf("failed to read filter bytes at "+
			"height %d: %w", f.next, err)
	}

	filter, err := gcs.FromNBytes(
		builder.DefaultP, builder.DefaultM, filterBytes,
	)
	if err != nil {
		return nil, fmt.Errorf("invalid filter at height %d: %w",
			f.next, err)
	}

	entry.Height = f.next
	entry.Filter = filter

	f.next++
	f.read++

	return &entry, nil
}

// Close releases the memory map.
func (f *fileFilterSource) Close() error {
	if f.file == nil {
		return nil
	}

	err := f.file.Close()
	f.file = nil

	return err
}

// mmapFile adapts mmap.ReaderAt to sequential io.Reader reads.
type mmapFile struct {
	readerAt *mmap.ReaderAt
	offset   int64
}

// newMmapFile creates a new memory-mapped file adapter for mmap.ReaderAt.
func newMmapFile(readerAt *mmap.ReaderAt) *mmapFile {
	return &mmapFile{
		readerAt: readerAt,
		offset:   0,
	}
}

// Read implements the io.Reader interface.
func (m *mmapFile) Read(p []byte) (int, error) {
	n, err := m.readerAt.ReadAt(p, m.offset)
	m.offset += int64(n)

	return n, err
}

// Close implements the io.Closer interface.
func (m *mmapFile) Close() error {
	return m.readerAt.Close()
}
