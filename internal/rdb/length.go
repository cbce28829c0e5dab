package rdb

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Special-encoding markers returned by readLength's encType when
// isEncoded is true.
const (
	encInt8  = 0
	encInt16 = 1
	encInt32 = 2
	encLZF   = 3
)

// readLength parses one RDB length-encoded integer. When the leading
// two bits are 11, the value is not a length at all but a special
// string encoding (int8/int16/int32/LZF); isEncoded reports that case
// and encType identifies which.
func (p *Parser) readLength() (length uint64, isEncoded bool, encType byte, err error) {
	b0, err := p.r.ReadByte()
	if err != nil {
		return 0, false, 0, err
	}

	switch b0 >> 6 {
	case 0: // 00xxxxxx: 6-bit length
		return uint64(b0 & 0x3F), false, 0, nil

	case 1: // 01xxxxxx: 14-bit length
		b1, err := p.r.ReadByte()
		if err != nil {
			return 0, false, 0, err
		}
		return uint64(b0&0x3F)<<8 | uint64(b1), false, 0, nil

	case 2: // 10xxxxxx: 32-bit or 64-bit length, or reserved
		switch b0 {
		case 0x80:
			var buf [4]byte
			if _, err := io.ReadFull(p.r, buf[:]); err != nil {
				return 0, false, 0, err
			}
			return uint64(binary.BigEndian.Uint32(buf[:])), false, 0, nil
		case 0x81:
			var buf [8]byte
			if _, err := io.ReadFull(p.r, buf[:]); err != nil {
				return 0, false, 0, err
			}
			return binary.BigEndian.Uint64(buf[:]), false, 0, nil
		default:
			return 0, false, 0, fmt.Errorf("rdb: reserved length prefix 0x%02x", b0)
		}

	default: // 11xxxxxx: special encoding, not a length
		return 0, true, b0 & 0x3F, nil
	}
}

// readString reads one RDB string: either a raw byte run of a given
// length, or a special int8/int16/int32/LZF encoding.
func (p *Parser) readString() (string, error) {
	length, isEncoded, encType, err := p.readLength()
	if err != nil {
		return "", err
	}

	if !isEncoded {
		buf := make([]byte, length)
		if _, err := io.ReadFull(p.r, buf); err != nil {
			return "", err
		}
		return string(buf), nil
	}

	switch encType {
	case encInt8:
		b, err := p.r.ReadByte()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", int8(b)), nil

	case encInt16:
		var buf [2]byte
		if _, err := io.ReadFull(p.r, buf[:]); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", int16(binary.LittleEndian.Uint16(buf[:]))), nil

	case encInt32:
		var buf [4]byte
		if _, err := io.ReadFull(p.r, buf[:]); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", int32(binary.LittleEndian.Uint32(buf[:]))), nil

	case encLZF:
		compressedLen, _, _, err := p.readLength()
		if err != nil {
			return "", fmt.Errorf("rdb: LZF compressed length: %w", err)
		}
		uncompressedLen, _, _, err := p.readLength()
		if err != nil {
			return "", fmt.Errorf("rdb: LZF uncompressed length: %w", err)
		}
		compressed := make([]byte, compressedLen)
		if _, err := io.ReadFull(p.r, compressed); err != nil {
			return "", fmt.Errorf("rdb: LZF payload: %w", err)
		}
		out, err := lzfDecompress(compressed, int(uncompressedLen))
		if err != nil {
			return "", fmt.Errorf("rdb: LZF decompress: %w", err)
		}
		return string(out), nil

	default:
		return "", fmt.Errorf("rdb: unknown string encoding type %d", encType)
	}
}
