package protocol

import "fmt"

// Field returns the dict entry key, or ErrMissingField.
func (v Value) Field(key string) (Value, error) {
	if v.kind != KindDict {
		return Value{}, mismatch(KindDict, v.kind)
	}
	item, ok := v.Get(key)
	if !ok {
		return Value{}, fmt.Errorf("%w: %q", ErrMissingField, key)
	}
	return item, nil
}

// StringField returns a required string entry of a dict.
func (v Value) StringField(key string) (string, error) {
	item, err := v.Field(key)
	if err != nil {
		return "", err
	}
	s, err := item.AsString()
	if err != nil {
		return "", fmt.Errorf("field %q: %w", key, err)
	}
	return s, nil
}

// IntField returns a required integer entry of a dict.
func (v Value) IntField(key string) (int64, error) {
	item, err := v.Field(key)
	if err != nil {
		return 0, err
	}
	n, err := item.AsInt()
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", key, err)
	}
	return n, nil
}

// RemoteError is a reply result of the form ["ERROR", text].
type RemoteError struct {
	Text string
}

func (e *RemoteError) Error() string {
	return "protocol: remote error: " + e.Text
}

func (e *RemoteError) Unwrap() error { return ErrRemote }

// CheckResult converts an ["ERROR", text] reply result into a RemoteError.
func CheckResult(result Value) error {
	if result.Kind() != KindList || result.Len() != 2 {
		return nil
	}
	tag, err := result.Index(0).AsString()
	if err != nil || tag != "ERROR" {
		return nil
	}
	text, err := result.Index(1).AsString()
	if err != nil {
		text = result.Index(1).String()
	}
	return &RemoteError{Text: text}
}
