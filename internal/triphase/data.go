// Package triphase holds the session payload exchanged between the
// pre-sign and post-sign phases.
package triphase

import (
	"encoding/base64"
	"maps"
	"slices"
	"strconv"
	"time"
)

// Well-known session properties
const (
	KeyPreSign   = "PRE"
	KeyPKCS1     = "PK1"
	KeyPDFID     = "PID"
	KeyTime      = "TIME"
	KeyNeedPre   = "NEED_PRE"
	KeySignID    = "SID"
	KeyContentID = "CID"
	KeyTarget    = "TARGET"
	KeySignCount = "SIGN_COUNT"
)

// TriSign is the property bag of one signature. Keys are defined by the
// format that produced it and are opaque to the transport.
type TriSign struct {
	ID     string            `json:"id,omitempty"`
	Params map[string]string `json:"params"`
}

// NewTriSign creates a sign with the given properties
func NewTriSign(id string, params map[string]string) *TriSign {
	p := make(map[string]string, len(params))
	maps.Copy(p, params)
	return &TriSign{ID: id, Params: p}
}

// Get returns a property value
func (s *TriSign) Get(key string) (string, bool) {
	if s == nil || s.Params == nil {
		return "", false
	}
	v, ok := s.Params[key]
	return v, ok
}

// Set stores a property value
func (s *TriSign) Set(key, value string) {
	if s.Params == nil {
		s.Params = make(map[string]string)
	}
	s.Params[key] = value
}

// Keys returns the property names in sorted order
func (s *TriSign) Keys() []string {
	return slices.Sorted(maps.Keys(s.Params))
}

// Bytes decodes a base64 property
func (s *TriSign) Bytes(key string) ([]byte, error) {
	v, ok := s.Get(key)
	if !ok {
		return nil, &MissingKeyError{Key: key}
	}
	b, err := DecodeBase64(v)
	if err != nil {
		return nil, NewParseError(key, "invalid base64 value", err)
	}
	return b, nil
}

// SetBytes stores a binary property as standard base64
func (s *TriSign) SetBytes(key string, value []byte) {
	s.Set(key, base64.StdEncoding.EncodeToString(value))
}

// Time parses a property holding Unix milliseconds
func (s *TriSign) Time(key string) (time.Time, error) {
	v, ok := s.Get(key)
	if !ok {
		return time.Time{}, &MissingKeyError{Key: key}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, NewParseError(key, "invalid time value", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// SetTime stores a time as Unix milliseconds
func (s *TriSign) SetTime(key string, t time.Time) {
	s.Set(key, strconv.FormatInt(t.UnixMilli(), 10))
}

// Data is the ordered collection of signs of one signing session. The
// position of a sign is its index within the batch or co-sign set.
type Data struct {
	Format string     `json:"format,omitempty"`
	Signs  []*TriSign `json:"signs"`
}

// NewData creates session data for a format
func NewData(format string, signs ...*TriSign) *Data {
	d := &Data{Format: format, Signs: make([]*TriSign, 0, len(signs))}
	d.Signs = append(d.Signs, signs...)
	return d
}

// Add appends a sign
func (d *Data) Add(s *TriSign) {
	d.Signs = append(d.Signs, s)
}

// Len returns the number of signs
func (d *Data) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Signs)
}

// Sign returns the sign at index i or nil
func (d *Data) Sign(i int) *TriSign {
	if d == nil || i < 0 || i >= len(d.Signs) {
		return nil
	}
	return d.Signs[i]
}

// Require checks that every sign carries all the given keys
func (d *Data) Require(keys ...string) error {
	if d.Len() == 0 {
		return &MissingKeyError{Key: KeyPreSign, Index: 0}
	}
	for i, s := range d.Signs {
		for _, k := range keys {
			if v, ok := s.Get(k); !ok || v == "" {
				return &MissingKeyError{Key: k, Index: i}
			}
		}
	}
	return nil
}

// Equal compares two payloads by content
func (d *Data) Equal(o *Data) bool {
	if d.Len() != o.Len() || d.format() != o.format() {
		return false
	}
	for i := 0; i < d.Len(); i++ {
		a, b := d.Signs[i], o.Signs[i]
		if a.ID != b.ID || !maps.Equal(a.Params, b.Params) {
			return false
		}
	}
	return true
}

func (d *Data) format() string {
	if d == nil {
		return ""
	}
	return d.Format
}

// DecodeBase64 accepts standard and URL-safe alphabets, padded or not.
// Spaces are read as '+', which some form transports produce.
func DecodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(normalizeBase64(s))
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func normalizeBase64(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case ' ':
			out = append(out, '+')
		case '\n', '\r', '\t':
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
