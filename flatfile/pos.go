package flatfile

import (
	"encoding/binary"
	"fmt"
)

// FilePosSize is the size in bytes of a serialized FilePos.
const FilePosSize = 8

// FilePos locates a blob inside a flat file sequence.
type FilePos struct {
	// File is the ordinal of the data file within the sequence.
	File uint32

	// Offset is the byte offset of the blob within that file.
	Offset uint32
}

// IsNull reports whether the position is the very start of the first file in
// the sequence.
func (p FilePos) IsNull() bool {
	return p.File == 0 && p.Offset == 0
}

// String returns a human readable rendering of the position.
func (p FilePos) String() string {
	return fmt.Sprintf("(file=%d, offset=%d)", p.File, p.Offset)
}

// Bytes returns the fixed size serialization of the position.
func (p FilePos) Bytes() []byte {
	var buf [FilePosSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], p.File)
	binary.LittleEndian.PutUint32(buf[4:8], p.Offset)

	return buf[:]
}

// PosFromBytes parses a position serialized with Bytes.
func PosFromBytes(b []byte) (FilePos, error) {
	if len(b) != FilePosSize {
		return FilePos{}, fmt.Errorf("wrong file position length: %d",
			len(b))
	}

	return FilePos{
		File:   binary.LittleEndian.Uint32(b[0:4]),
		Offset: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}
