package rdb

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// decodeIntset parses the intset encoding used for small all-integer
// sets: a 4-byte element width, a 4-byte element count, then that
// many little-endian signed integers of the given width, ascending.
func decodeIntset(blob []byte) ([]string, error) {
	if len(blob) < 8 {
		return nil, fmt.Errorf("intset: blob too short (%d bytes)", len(blob))
	}
	encoding := binary.LittleEndian.Uint32(blob[0:4])
	count := binary.LittleEndian.Uint32(blob[4:8])

	out := make([]string, 0, count)
	offset := 8
	for i := uint32(0); i < count; i++ {
		switch encoding {
		case 2:
			if offset+2 > len(blob) {
				return nil, fmt.Errorf("intset: truncated int16 at element %d", i)
			}
			v := int16(binary.LittleEndian.Uint16(blob[offset : offset+2]))
			out = append(out, strconv.FormatInt(int64(v), 10))
			offset += 2
		case 4:
			if offset+4 > len(blob) {
				return nil, fmt.Errorf("intset: truncated int32 at element %d", i)
			}
			v := int32(binary.LittleEndian.Uint32(blob[offset : offset+4]))
			out = append(out, strconv.FormatInt(int64(v), 10))
			offset += 4
		case 8:
			if offset+8 > len(blob) {
				return nil, fmt.Errorf("intset: truncated int64 at element %d", i)
			}
			v := int64(binary.LittleEndian.Uint64(blob[offset : offset+8]))
			out = append(out, strconv.FormatInt(v, 10))
			offset += 8
		default:
			return nil, fmt.Errorf("intset: unknown element width %d", encoding)
		}
	}
	return out, nil
}
