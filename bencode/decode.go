package bencode

import (
	"fmt"
)

// Decode parses exactly one value from b. Trailing bytes are an error.
func Decode(b []byte) (Value, error) {
	v, end, err := decodeValue(b, 0, 0)
	if err != nil {
		return Value{}, err
	}
	if end != len(b) {
		return Value{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(b)-end)
	}
	return v, nil
}

// DecodePrefix parses one value from the front of b and returns it along
// with the number of bytes consumed.
func DecodePrefix(b []byte) (Value, int, error) {
	return decodeValue(b, 0, 0)
}

// DecodeRaw scans one value without materializing it and returns the
// sub-slice spanning it. The scan validates structure and the depth
// bound but allocates nothing.
func DecodeRaw(b []byte) (RawBencode, int, error) {
	end, err := skipValue(b, 0, 0)
	if err != nil {
		return RawBencode{}, 0, err
	}
	return RawBencode{B: b[:end]}, end, nil
}

// Decode materializes a previously captured raw value.
func (r RawBencode) Decode() (Value, error) {
	return Decode(r.B)
}

func decodeValue(b []byte, off, depth int) (Value, int, error) {
	if off >= len(b) {
		return Value{}, 0, fmt.Errorf("%w: truncated at %d", ErrMalformed, off)
	}
	switch c := b[off]; {
	case c == 'i':
		n, end, err := decodeInt(b, off)
		return Value{Kind: KindInt, Int: n}, end, err
	case c >= '0' && c <= '9':
		s, end, err := decodeString(b, off)
		return Value{Kind: KindString, Str: s}, end, err
	case c == 'l':
		if depth+1 >= MaxDepth {
			return Value{}, 0, ErrDepth
		}
		v := Value{Kind: KindList}
		off++
		for {
			if off >= len(b) {
				return Value{}, 0, fmt.Errorf("%w: unterminated list", ErrMalformed)
			}
			if b[off] == 'e' {
				return v, off + 1, nil
			}
			item, end, err := decodeValue(b, off, depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			if item.Unordered {
				v.Unordered = true
			}
			v.List = append(v.List, item)
			off = end
		}
	case c == 'd':
		if depth+1 >= MaxDepth {
			return Value{}, 0, ErrDepth
		}
		v := Value{Kind: KindDict}
		off++
		prev := ""
		for {
			if off >= len(b) {
				return Value{}, 0, fmt.Errorf("%w: unterminated dict", ErrMalformed)
			}
			if b[off] == 'e' {
				return v, off + 1, nil
			}
			key, end, err := decodeString(b, off)
			if err != nil {
				return Value{}, 0, fmt.Errorf("%w: dict key", ErrMalformed)
			}
			if len(v.Dict) > 0 && key <= prev {
				v.Unordered = true
			}
			prev = key
			item, end, err := decodeValue(b, end, depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			if item.Unordered {
				v.Unordered = true
			}
			v.Dict = append(v.Dict, DictItem{Key: key, Value: item})
			off = end
		}
	}
	return Value{}, 0, fmt.Errorf("%w: unexpected byte %q at %d", ErrMalformed, b[off], off)
}

// decodeInt parses i<digits>e starting at off. Leading zeros and "-0"
// are rejected.
func decodeInt(b []byte, off int) (int64, int, error) {
	i := off + 1
	neg := false
	if i < len(b) && b[i] == '-' {
		neg = true
		i++
	}
	start := i
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	if i == start || i >= len(b) || b[i] != 'e' {
		return 0, 0, fmt.Errorf("%w: bad integer", ErrMalformed)
	}
	if b[start] == '0' && (i-start > 1 || neg) {
		return 0, 0, fmt.Errorf("%w: leading zero in integer", ErrMalformed)
	}
	var n int64
	for _, c := range b[start:i] {
		d := int64(c - '0')
		if n > (1<<63-1-d)/10 {
			return 0, 0, fmt.Errorf("%w: integer overflow", ErrMalformed)
		}
		n = n*10 + d
	}
	if neg {
		n = -n
	}
	return n, i + 1, nil
}

// decodeString parses <len>:<bytes> starting at off.
func decodeString(b []byte, off int) (string, int, error) {
	start, end, err := scanString(b, off)
	if err != nil {
		return "", 0, err
	}
	return string(b[start:end]), end, nil
}

// scanString locates the payload of <len>:<bytes> without copying it.
func scanString(b []byte, off int) (start, end int, err error) {
	i := off
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	if i == off || i >= len(b) || b[i] != ':' {
		return 0, 0, fmt.Errorf("%w: bad string length", ErrMalformed)
	}
	if b[off] == '0' && i-off > 1 {
		return 0, 0, fmt.Errorf("%w: leading zero in string length", ErrMalformed)
	}
	var n int
	for _, c := range b[off:i] {
		d := int(c - '0')
		if n > (len(b)-d)/10 {
			return 0, 0, fmt.Errorf("%w: string length beyond input", ErrMalformed)
		}
		n = n*10 + d
	}
	i++
	if i+n > len(b) {
		return 0, 0, fmt.Errorf("%w: string length beyond input", ErrMalformed)
	}
	return i, i + n, nil
}

// skipValue advances past one value without materializing it.
func skipValue(b []byte, off, depth int) (int, error) {
	if off >= len(b) {
		return 0, fmt.Errorf("%w: truncated at %d", ErrMalformed, off)
	}
	switch c := b[off]; {
	case c == 'i':
		_, end, err := decodeInt(b, off)
		return end, err
	case c >= '0' && c <= '9':
		return skipString(b, off)
	case c == 'l', c == 'd':
		if depth+1 >= MaxDepth {
			return 0, ErrDepth
		}
		isDict := c == 'd'
		off++
		for {
			if off >= len(b) {
				return 0, fmt.Errorf("%w: unterminated container", ErrMalformed)
			}
			if b[off] == 'e' {
				return off + 1, nil
			}
			if isDict {
				end, err := skipString(b, off)
				if err != nil {
					return 0, fmt.Errorf("%w: dict key", ErrMalformed)
				}
				off = end
			}
			end, err := skipValue(b, off, depth+1)
			if err != nil {
				return 0, err
			}
			off = end
		}
	}
	return 0, fmt.Errorf("%w: unexpected byte %q at %d", ErrMalformed, b[off], off)
}

func skipString(b []byte, off int) (int, error) {
	_, end, err := scanString(b, off)
	return end, err
}
