package protocol

import (
	"fmt"
	"math"
)

func mismatch(want Kind, got Kind) error {
	return fmt.Errorf("%w: want %s, got %s", ErrFieldTypeMismatch, want, got)
}

// AsBool returns the value as bool.
func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, mismatch(KindBool, v.kind)
	}
	return v.b, nil
}

// AsInt returns the value as int64.
func (v Value) AsInt() (int64, error) {
	if v.kind != KindInt {
		return 0, mismatch(KindInt, v.kind)
	}
	return v.i, nil
}

// AsUint returns the raw 64-bit pattern of an integer value.
func (v Value) AsUint() (uint64, error) {
	if v.kind != KindInt {
		return 0, mismatch(KindInt, v.kind)
	}
	return uint64(v.i), nil
}

// AsFloat returns a float or integer value as float64.
func (v Value) AsFloat() (float64, error) {
	switch v.kind {
	case KindFloat:
		return v.f, nil
	case KindInt:
		return float64(v.i), nil
	default:
		return 0, mismatch(KindFloat, v.kind)
	}
}

// AsString returns the value as string.
func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", mismatch(KindString, v.kind)
	}
	return v.s, nil
}

// AsBytes returns a copy of a data value.
func (v Value) AsBytes() ([]byte, error) {
	if v.kind != KindData {
		return nil, mismatch(KindData, v.kind)
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, nil
}

// AsUint32s converts a list of integers into 32-bit words.
func (v Value) AsUint32s() ([]uint32, error) {
	if v.kind != KindList {
		return nil, mismatch(KindList, v.kind)
	}
	out := make([]uint32, 0, len(v.list))
	for i, item := range v.list {
		n, err := item.AsInt()
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		if n < 0 || n > math.MaxUint32 {
			return nil, fmt.Errorf("%w: item %d out of range: %d", ErrFieldTypeMismatch, i, n)
		}
		out = append(out, uint32(n))
	}
	return out, nil
}

// AsStrings converts a list of strings.
func (v Value) AsStrings() ([]string, error) {
	if v.kind != KindList {
		return nil, mismatch(KindList, v.kind)
	}
	out := make([]string, 0, len(v.list))
	for i, item := range v.list {
		s, err := item.AsString()
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}
