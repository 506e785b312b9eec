package flatfile

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFilePosSerialization tests the fixed size round trip of a FilePos and
// the IsNull convention.
func TestFilePosSerialization(t *testing.T) {
	t.Parallel()

	require.True(t, FilePos{}.IsNull())
	require.False(t, FilePos{Offset: 1}.IsNull())
	require.False(t, FilePos{File: 1}.IsNull())

	pos := FilePos{File: 7, Offset: 0xdeadbeef}
	decoded, err := PosFromBytes(pos.Bytes())
	require.NoError(t, err)
	require.Equal(t, pos, decoded)

	_, err = PosFromBytes([]byte{0x01, 0x02})
	require.Error(t, err)
}

// TestSeqAllocateWriteRead tests the basic append and read back cycle of a
// flat file sequence.
func TestSeqAllocateWriteRead(t *testing.T) {
	t.Parallel()

	seq := NewSeq(t.TempDir(), "fltr", 0)
	require.NoError(t, seq.Reset(FilePos{}))
	t.Cleanup(func() {
		require.NoError(t, seq.Close())
	})

	blobs := [][]byte{
		[]byte("first"),
		[]byte("second blob"),
		[]byte("x"),
	}

	var positions []FilePos
	for _, blob := range blobs {
		pos, err := seq.Allocate(uint32(len(blob)))
		require.NoError(t, err)
		require.NoError(t, seq.WriteAt(pos, blob))

		positions = append(positions, pos)
	}
	require.NoError(t, seq.Flush())

	// The next position must sit exactly past the last blob.
	require.Equal(
		t, FilePos{File: 0, Offset: 5 + 11 + 1}, seq.NextPos(),
	)

	for i, blob := range blobs {
		data, err := seq.ReadAt(positions[i], uint32(len(blob)))
		require.NoError(t, err)
		require.True(t, bytes.Equal(blob, data))
	}

	// Reading past the written range must fail rather than return short
	// data.
	_, err := seq.ReadAt(seq.NextPos(), 10)
	require.Error(t, err)
}

// TestSeqRotation tests that the sequence rolls over to a new data file once
// a blob no longer fits and that blobs in sealed files remain readable.
func TestSeqRotation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	seq := NewSeq(dir, "fltr", 32)
	require.NoError(t, seq.Reset(FilePos{}))
	t.Cleanup(func() {
		require.NoError(t, seq.Close())
	})

	// Three 12 byte blobs: the first two fit into the 32 byte file, the
	// third must land at the start of the next file.
	blob := []byte("abcdefghijkl")

	pos1, err := seq.Allocate(uint32(len(blob)))
	require.NoError(t, err)
	require.NoError(t, seq.WriteAt(pos1, blob))

	pos2, err := seq.Allocate(uint32(len(blob)))
	require.NoError(t, err)
	require.NoError(t, seq.WriteAt(pos2, blob))

	pos3, err := seq.Allocate(uint32(len(blob)))
	require.NoError(t, err)
	require.NoError(t, seq.WriteAt(pos3, blob))
	require.NoError(t, seq.Flush())

	require.Equal(t, FilePos{File: 0, Offset: 0}, pos1)
	require.Equal(t, FilePos{File: 0, Offset: 12}, pos2)
	require.Equal(t, FilePos{File: 1, Offset: 0}, pos3)

	// Both data files must exist on disk.
	_, err = os.Stat(seq.fileName(0))
	require.NoError(t, err)
	_, err = os.Stat(seq.fileName(1))
	require.NoError(t, err)

	// The sealed file is no longer writable.
	require.Error(t, seq.WriteAt(pos1, blob))

	// But all blobs, sealed or not, can still be read.
	for _, pos := range []FilePos{pos1, pos2, pos3} {
		data, err := seq.ReadAt(pos, uint32(len(blob)))
		require.NoError(t, err)
		require.Equal(t, blob, data)
	}

	// A blob that cannot fit even an empty file is rejected outright.
	_, err = seq.Allocate(33)
	require.ErrorIs(t, err, ErrBlobTooLarge)
}

// TestSeqReset tests restart behavior: resetting to the persisted position
// makes later writes overwrite crash garbage in place, files are never
// truncated, and a position past the physical end of the file is rejected.
func TestSeqReset(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	seq := NewSeq(dir, "fltr", 0)
	require.NoError(t, seq.Reset(FilePos{}))

	// Write one durable blob followed by one that will never be
	// referenced, simulating a crash after the flat file write but
	// before the position made it into the database.
	committed := []byte("committed")
	pos, err := seq.Allocate(uint32(len(committed)))
	require.NoError(t, err)
	require.NoError(t, seq.WriteAt(pos, committed))
	require.NoError(t, seq.Flush())
	resumePos := seq.NextPos()

	garbage := []byte("crash garbage")
	garbagePos, err := seq.Allocate(uint32(len(garbage)))
	require.NoError(t, err)
	require.NoError(t, seq.WriteAt(garbagePos, garbage))
	require.NoError(t, seq.Close())

	sizeBefore := fileSize(t, seq.fileName(0))

	// Reopen at the last durable position, as restoring from the
	// database would.
	seq = NewSeq(dir, "fltr", 0)
	require.NoError(t, seq.Reset(resumePos))
	t.Cleanup(func() {
		require.NoError(t, seq.Close())
	})

	// Nothing was truncated by the reopen.
	require.Equal(t, sizeBefore, fileSize(t, seq.fileName(0)))

	// The next allocation hands out the garbage region again and the new
	// blob replaces it.
	pos, err = seq.Allocate(uint32(len(garbage)))
	require.NoError(t, err)
	require.Equal(t, garbagePos, pos)

	fresh := []byte("fresh content")
	require.NoError(t, seq.WriteAt(pos, fresh))
	require.NoError(t, seq.Flush())

	data, err := seq.ReadAt(pos, uint32(len(fresh)))
	require.NoError(t, err)
	require.Equal(t, fresh, data)

	// The committed blob is untouched.
	data, err = seq.ReadAt(FilePos{}, uint32(len(committed)))
	require.NoError(t, err)
	require.Equal(t, committed, data)

	// Resetting past the physical end of the file must be refused, that
	// can only happen when the database and the flat files diverge.
	seq2 := NewSeq(dir, "fltr", 0)
	err = seq2.Reset(FilePos{File: 0, Offset: 1 << 20})
	require.ErrorIs(t, err, ErrPosPastEnd)
}

// TestSeqWriteRequiresReset tests that a sequence rejects writes until it
// has been positioned.
func TestSeqWriteRequiresReset(t *testing.T) {
	t.Parallel()

	seq := NewSeq(t.TempDir(), "fltr", 0)

	_, err := seq.Allocate(1)
	require.ErrorIs(t, err, ErrSeqNotPositioned)

	err = seq.WriteAt(FilePos{}, []byte{0x01})
	require.ErrorIs(t, err, ErrSeqNotPositioned)
}

// fileSize returns the on disk size of the given file.
func fileSize(t *testing.T, name string) int64 {
	t.Helper()

	fileInfo, err := os.Stat(name)
	require.NoError(t, err)

	return fileInfo.Size()
}
