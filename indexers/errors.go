package indexers

import "errors"

var (
	// ErrNotYetIndexed is returned when a lookup names a block at or
	// beyond the best indexed height. Derived data exists only for
	// blocks strictly below the best indexed marker.
	ErrNotYetIndexed = errors.New("block not yet indexed")

	// ErrNotFound is returned when a lookup names a block the index has
	// no record for, typically a block of an abandoned branch whose
	// record was removed during rollback.
	ErrNotFound = errors.New("no index record for block")

	// ErrInterrupted signals that an operation was abandoned because an
	// interrupt was requested.
	ErrInterrupted = errors.New("index operation interrupted")

	// ErrIndexCorrupt is returned when the stored state of an index
	// contradicts itself, such as a marker naming a record that does not
	// exist or a stored blob that no longer hashes to its recorded
	// value.
	ErrIndexCorrupt = errors.New("index storage corrupt")
)
