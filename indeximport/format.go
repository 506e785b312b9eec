package indeximport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// networkMagicSize is the network magic size: 4 bytes.
	networkMagicSize = 4

	// versionSize is the version size: 1 byte.
	versionSize = 1

	// filterTypeSize is the filter type size: 1 byte.
	filterTypeSize = 1

	// startHeightSize is the start height size: 4 bytes.
	startHeightSize = 4

	// filterCountSize is the filter count size: 4 bytes.
	filterCountSize = 4

	// MetadataSize is the size of the file metadata in bytes (the sum
	// of all above): 14 bytes.
	MetadataSize = networkMagicSize + versionSize + filterTypeSize +
		startHeightSize + filterCountSize
)

// Metadata describes the contents of a filter import file. It is followed
// in the file by FilterCount records, each consisting of the block hash
// (32 bytes), the filter length (4 bytes, little endian) and the filter
// bytes themselves.
type Metadata struct {
	// NetworkMagic identifies the bitcoin network the filters belong
	// to.
	NetworkMagic wire.BitcoinNet

	// Version is the data format version, currently 0 for uncompressed
	// filters.
	Version uint8

	// FilterType is the type of the contained filters.
	FilterType wire.FilterType

	// StartHeight is the block height of the first filter.
	StartHeight uint32

	// FilterCount is the number of filters in the file.
	FilterCount uint32
}

// Encode writes the metadata to the provided writer in binary format.
//
// NOTE: The writer's position is supposed to be at the beginning of the
// file.
func (m *Metadata) Encode(w io.Writer) error {
	err := binary.Write(w, binary.LittleEndian, m.NetworkMagic)
	if err != nil {
		return fmt.Errorf("failed to write network magic: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, m.Version); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}

	err = binary.Write(w, binary.LittleEndian, byte(m.FilterType))
	if err != nil {
		return fmt.Errorf("failed to write filter type: %w", err)
	}

	err = binary.Write(w, binary.LittleEndian, m.StartHeight)
	if err != nil {
		return fmt.Errorf("failed to write start height: %w", err)
	}

	err = binary.Write(w, binary.LittleEndian, m.FilterCount)
	if err != nil {
		return fmt.Errorf("failed to write filter count: %w", err)
	}

	return nil
}

// Decode reads the metadata from the provided reader.
//
// NOTE: The reader's position is supposed to be at the beginning of the
// file.
func (m *Metadata) Decode(r io.Reader) error {
	err := binary.Read(r, binary.LittleEndian, &m.NetworkMagic)
	if err != nil {
		return fmt.Errorf("failed to read network magic: %w", err)
	}

	if err := binary.Read(r, binary.LittleEndian, &m.Version); err != nil {
		return fmt.Errorf("failed to read version: %w", err)
	}

	if m.Version != 0 {
		return fmt.Errorf("unsupported filter file version %d, only "+
			"version 0 (uncompressed) is currently supported",
			m.Version)
	}

	var filterTypeByte byte
	err = binary.Read(r, binary.LittleEndian, &filterTypeByte)
	if err != nil {
		return fmt.Errorf("failed to read filter type: %w", err)
	}
	m.FilterType = wire.FilterType(filterTypeByte)

	err = binary.Read(r, binary.LittleEndian, &m.StartHeight)
	if err != nil {
		return fmt.Errorf("failed to read start height: %w", err)
	}

	err = binary.Read(r, binary.LittleEndian, &m.FilterCount)
	if err != nil {
		return fmt.Errorf("failed to read filter count: %w", err)
	}

	return nil
}

// FileWriter streams a filter import file to an underlying writer.
type FileWriter struct {
	w     io.Writer
	meta  Metadata
	count uint32
}

// NewFileWriter writes the metadata of a filter import file to w and
// returns a writer for appending the filters themselves.
func NewFileWriter(w io.Writer, meta Metadata) (*FileWriter, error) {
	if err := meta.Encode(w); err != nil {
		return nil, err
	}

	return &FileWriter{
		w:    w,
		meta: meta,
	}, nil
}

// AddFilter appends one block's filter. Filters must be added in
// ascending height order starting at the metadata's start height.
func (fw *FileWriter) AddFilter(blockHash *chainhash.Hash,
	filter *gcs.Filter) error {

	if fw.count == fw.meta.FilterCount {
		return fmt.Errorf("import file already holds all %d filters",
			fw.meta.FilterCount)
	}

	filterBytes, err := filter.NBytes()
	if err != nil {
		return err
	}

	if _, err := fw.w.Write(blockHash[:]); err != nil {
		return fmt.Errorf("failed to write block hash: %w", err)
	}

	err = binary.Write(
		fw.w, binary.LittleEndian, uint32(len(filterBytes)),
	)
	if err != nil {
		return fmt.Errorf("failed to write filter length: %w", err)
	}

	if _, err := fw.w.Write(filterBytes); err != nil {
		return fmt.Errorf("failed to write filter bytes: %w", err)
	}

	fw.count++

	return nil
}

// Close verifies that exactly the announced number of filters has been
// added. The underlying writer stays open, it belongs to the caller.
func (fw *FileWriter) Close() error {
	if fw.count != fw.meta.FilterCount {
		return fmt.Errorf("import file holds %d of %d announced "+
			"filters", fw.count, fw.meta.FilterCount)
	}

	return nil
}
