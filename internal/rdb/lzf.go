package rdb

import "fmt"

// lzfDecompress implements LZFv1 decompression, the scheme RDB uses
// to compress individual string values. It is a simple LZ77 variant:
// a control byte's top 3 bits select a literal run (0) or a
// back-reference (1-7, with a possible extra length byte).
func lzfDecompress(in []byte, expectedLen int) ([]byte, error) {
	out := make([]byte, 0, expectedLen)
	i := 0
	for i < len(in) {
		ctrl := int(in[i])
		i++
		if ctrl < 32 {
			// Literal run of ctrl+1 bytes.
			n := ctrl + 1
			if i+n > len(in) {
				return nil, fmt.Errorf("lzf: literal run overruns input")
			}
			out = append(out, in[i:i+n]...)
			i += n
			continue
		}

		length := ctrl >> 5
		if length == 7 {
			if i >= len(in) {
				return nil, fmt.Errorf("lzf: truncated extended length")
			}
			length += int(in[i])
			i++
		}
		if i >= len(in) {
			return nil, fmt.Errorf("lzf: truncated reference offset")
		}
		ref := len(out) - ((ctrl & 0x1F) << 8) - int(in[i]) - 1
		i++
		if ref < 0 {
			return nil, fmt.Errorf("lzf: back-reference before start of output")
		}
		for n := 0; n < length+2; n++ {
			if ref+n >= len(out) {
				return nil, fmt.Errorf("lzf: back-reference past current output")
			}
			out = append(out, out[ref+n])
		}
	}
	if len(out) != expectedLen {
		return nil, fmt.Errorf("lzf: decompressed %d bytes, expected %d", len(out), expectedLen)
	}
	return out, nil
}
