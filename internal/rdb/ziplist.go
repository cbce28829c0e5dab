package rdb

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// decodeZiplist walks a legacy ziplist blob (used by the
// typeList/SetZiplist/HashZiplist/ZSetZiplist encodings and by
// quicklist nodes) and returns its elements in order, strings for
// string entries and decimal text for integer entries.
func decodeZiplist(blob []byte) ([]string, error) {
	if len(blob) < 11 {
		return nil, fmt.Errorf("ziplist: blob too short (%d bytes)", len(blob))
	}
	// Header: zlbytes(4) zltail(4) zllen(2), all little-endian.
	offset := 10

	var out []string
	for {
		if offset >= len(blob) {
			return nil, fmt.Errorf("ziplist: missing terminator")
		}
		if blob[offset] == 0xFF {
			break
		}

		// prevlen
		if blob[offset] < 0xFE {
			offset++
		} else {
			offset += 5
		}
		if offset >= len(blob) {
			return nil, fmt.Errorf("ziplist: truncated after prevlen")
		}

		enc := blob[offset]
		switch {
		case enc>>6 == 0: // 6-bit string length
			n := int(enc & 0x3F)
			offset++
			if offset+n > len(blob) {
				return nil, fmt.Errorf("ziplist: truncated 6-bit string")
			}
			out = append(out, string(blob[offset:offset+n]))
			offset += n

		case enc>>6 == 1: // 14-bit string length
			if offset+1 >= len(blob) {
				return nil, fmt.Errorf("ziplist: truncated 14-bit string header")
			}
			n := int(enc&0x3F)<<8 | int(blob[offset+1])
			offset += 2
			if offset+n > len(blob) {
				return nil, fmt.Errorf("ziplist: truncated 14-bit string")
			}
			out = append(out, string(blob[offset:offset+n]))
			offset += n

		case enc == 0x80: // 32-bit string length
			if offset+5 > len(blob) {
				return nil, fmt.Errorf("ziplist: truncated 32-bit string header")
			}
			n := int(binary.BigEndian.Uint32(blob[offset+1 : offset+5]))
			offset += 5
			if offset+n > len(blob) {
				return nil, fmt.Errorf("ziplist: truncated 32-bit string")
			}
			out = append(out, string(blob[offset:offset+n]))
			offset += n

		case enc == 0xC0: // int16
			if offset+3 > len(blob) {
				return nil, fmt.Errorf("ziplist: truncated int16")
			}
			v := int16(binary.LittleEndian.Uint16(blob[offset+1 : offset+3]))
			out = append(out, strconv.FormatInt(int64(v), 10))
			offset += 3

		case enc == 0xD0: // int32
			if offset+5 > len(blob) {
				return nil, fmt.Errorf("ziplist: truncated int32")
			}
			v := int32(binary.LittleEndian.Uint32(blob[offset+1 : offset+5]))
			out = append(out, strconv.FormatInt(int64(v), 10))
			offset += 5

		case enc == 0xE0: // int64
			if offset+9 > len(blob) {
				return nil, fmt.Errorf("ziplist: truncated int64")
			}
			v := int64(binary.LittleEndian.Uint64(blob[offset+1 : offset+9]))
			out = append(out, strconv.FormatInt(v, 10))
			offset += 9

		case enc == 0xF0: // int24
			if offset+4 > len(blob) {
				return nil, fmt.Errorf("ziplist: truncated int24")
			}
			b := blob[offset+1 : offset+4]
			raw := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
			if raw&0x800000 != 0 {
				raw |= 0xFF000000 // sign-extend
			}
			out = append(out, strconv.FormatInt(int64(int32(raw)), 10))
			offset += 4

		case enc == 0xFE: // int8
			if offset+2 > len(blob) {
				return nil, fmt.Errorf("ziplist: truncated int8")
			}
			out = append(out, strconv.FormatInt(int64(int8(blob[offset+1])), 10))
			offset += 2

		case enc >= 0xF1 && enc <= 0xFD: // 4-bit immediate int
			v := int64(enc&0x0F) - 1
			out = append(out, strconv.FormatInt(v, 10))
			offset++

		default:
			return nil, fmt.Errorf("ziplist: unknown entry encoding 0x%02x", enc)
		}
	}

	return out, nil
}
