package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const hexDigits = "0123456789abcdef"

// Encode renders v in wire text form (without the frame delimiter).
func Encode(v Value) ([]byte, error) {
	return AppendEncode(make([]byte, 0, 64), v)
}

// AppendEncode appends the wire form of v to dst.
func AppendEncode(dst []byte, v Value) ([]byte, error) {
	switch v.kind {
	case KindNil:
		return append(dst, "None"...), nil
	case KindBool:
		if v.b {
			return append(dst, "True"...), nil
		}
		return append(dst, "False"...), nil
	case KindInt:
		return strconv.AppendInt(dst, v.i, 10), nil
	case KindFloat:
		return appendFloat(dst, v.f)
	case KindString:
		return appendQuoted(dst, v.s)
	case KindList:
		dst = append(dst, '[')
		for i, item := range v.list {
			if i > 0 {
				dst = append(dst, ',')
			}
			var err error
			if dst, err = AppendEncode(dst, item); err != nil {
				return nil, err
			}
		}
		return append(dst, ']'), nil
	case KindDict:
		dst = append(dst, '{')
		for i, entry := range v.dict {
			if i > 0 {
				dst = append(dst, ',')
			}
			var err error
			if dst, err = appendQuoted(dst, entry.Key); err != nil {
				return nil, err
			}
			dst = append(dst, ':')
			if dst, err = AppendEncode(dst, entry.Value); err != nil {
				return nil, err
			}
		}
		return append(dst, '}'), nil
	case KindData:
		dst = append(dst, '(')
		for i, b := range v.data {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = append(dst, '0', 'x', hexDigits[b>>4], hexDigits[b&0x0f])
		}
		return append(dst, ')'), nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrUnencodable, v.kind)
	}
}

func appendFloat(dst []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: non-finite float", ErrUnencodable)
	}
	start := len(dst)
	dst = strconv.AppendFloat(dst, f, 'f', -1, 64)
	if !strings.ContainsRune(string(dst[start:]), '.') {
		dst = append(dst, '.', '0')
	}
	return dst, nil
}

// appendQuoted picks a quote character absent from s; the grammar has no
// escapes, so a string holding both quote kinds cannot travel.
func appendQuoted(dst []byte, s string) ([]byte, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return nil, fmt.Errorf("%w: string contains the frame delimiter", ErrUnencodable)
	}
	quote := byte('"')
	if strings.IndexByte(s, '"') >= 0 {
		if strings.IndexByte(s, '\'') >= 0 {
			return nil, fmt.Errorf("%w: string contains both quote kinds", ErrUnencodable)
		}
		quote = '\''
	}
	dst = append(dst, quote)
	dst = append(dst, s...)
	return append(dst, quote), nil
}
