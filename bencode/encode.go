package bencode

import (
	"fmt"
	"strconv"
)

// Encode serializes v. Dict keys are always emitted in ascending order,
// regardless of the order they were decoded or built in.
func Encode(v Value) ([]byte, error) {
	b, err := appendValue(nil, v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func appendValue(b []byte, v Value) ([]byte, error) {
	switch v.Kind {
	case KindInt:
		b = append(b, 'i')
		b = strconv.AppendInt(b, v.Int, 10)
		return append(b, 'e'), nil
	case KindString:
		b = strconv.AppendInt(b, int64(len(v.Str)), 10)
		b = append(b, ':')
		return append(b, v.Str...), nil
	case KindList:
		b = append(b, 'l')
		for _, item := range v.List {
			var err error
			if b, err = appendValue(b, item); err != nil {
				return nil, err
			}
		}
		return append(b, 'e'), nil
	case KindDict:
		b = append(b, 'd')
		for _, it := range sortedItems(v.Dict) {
			b = strconv.AppendInt(b, int64(len(it.Key)), 10)
			b = append(b, ':')
			b = append(b, it.Key...)
			var err error
			if b, err = appendValue(b, it.Value); err != nil {
				return nil, err
			}
		}
		return append(b, 'e'), nil
	case KindRaw:
		if len(v.Raw.B) == 0 {
			return nil, fmt.Errorf("%w: empty raw value", ErrType)
		}
		return append(b, v.Raw.B...), nil
	}
	return nil, fmt.Errorf("%w: cannot encode kind %d", ErrType, v.Kind)
}
