package kv

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// MaxKeySize bounds the encoded size of a key.
	MaxKeySize = 2048

	tagBytes  = 0x01
	tagString = 0x02
	tagNumber = 0x21
	tagBigInt = 0x22
	tagFalse  = 0x26
	tagTrue   = 0x27
)

// Key is an ordered sequence of parts. A part is one of string, []byte,
// float64 (number), int64 (bigint) or bool. Plain int is accepted and
// stored as a bigint.
//
// Keys order first by part type (bytes < string < number < bigint < bool),
// then by value, then by length.
type Key []any

// String renders the key for logs. It is not a stable format.
func (k Key) String() string {
	var b bytes.Buffer
	b.WriteByte('[')
	for i, part := range k {
		if i > 0 {
			b.WriteByte(',')
		}
		switch v := part.(type) {
		case string:
			fmt.Fprintf(&b, "%q", v)
		case []byte:
			fmt.Fprintf(&b, "0x%x", v)
		default:
			fmt.Fprintf(&b, "%v", v)
		}
	}
	b.WriteByte(']')
	return b.String()
}

// HasPrefix reports whether k begins with every part of prefix.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	a, err := encodeKey(k)
	if err != nil {
		return false
	}
	p, err := encodeKey(prefix)
	if err != nil {
		return false
	}
	return bytes.HasPrefix(a, p)
}

// encodeKey serializes k with an order-preserving encoding so that
// bytes.Compare on two encoded keys matches key order.
func encodeKey(k Key) ([]byte, error) {
	if len(k) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	return appendKey(nil, k)
}

// encodePrefix is encodeKey without the non-empty requirement; an empty
// prefix selects the whole keyspace.
func encodePrefix(k Key) ([]byte, error) {
	return appendKey(nil, k)
}

func appendKey(dst []byte, k Key) ([]byte, error) {
	for _, part := range k {
		switch v := part.(type) {
		case []byte:
			dst = append(dst, tagBytes)
			dst = appendEscaped(dst, v)
		case string:
			dst = append(dst, tagString)
			dst = appendEscaped(dst, []byte(v))
		case float64:
			if math.IsNaN(v) {
				return nil, fmt.Errorf("%w: NaN key part", ErrInvalidKey)
			}
			dst = append(dst, tagNumber)
			dst = binary.BigEndian.AppendUint64(dst, encodeFloat(v))
		case int64:
			dst = append(dst, tagBigInt)
			dst = binary.BigEndian.AppendUint64(dst, uint64(v)^(1<<63))
		case int:
			dst = append(dst, tagBigInt)
			dst = binary.BigEndian.AppendUint64(dst, uint64(int64(v))^(1<<63))
		case bool:
			if v {
				dst = append(dst, tagTrue)
			} else {
				dst = append(dst, tagFalse)
			}
		default:
			return nil, fmt.Errorf("%w: unsupported part type %T", ErrInvalidKey, part)
		}
	}
	if len(dst) > MaxKeySize {
		return nil, fmt.Errorf("%w: encoded key exceeds %d bytes", ErrInvalidKey, MaxKeySize)
	}
	return dst, nil
}

// appendEscaped writes b with 0x00 escaped as 0x00 0xFF, then a 0x00 terminator.
func appendEscaped(dst, b []byte) []byte {
	for _, c := range b {
		dst = append(dst, c)
		if c == 0x00 {
			dst = append(dst, 0xFF)
		}
	}
	return append(dst, 0x00)
}

func encodeFloat(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func decodeFloat(u uint64) float64 {
	if u&(1<<63) != 0 {
		return math.Float64frombits(u &^ (1 << 63))
	}
	return math.Float64frombits(^u)
}

func decodeKey(b []byte) (Key, error) {
	var k Key
	for len(b) > 0 {
		tag := b[0]
		b = b[1:]
		switch tag {
		case tagBytes, tagString:
			raw, rest, err := readEscaped(b)
			if err != nil {
				return nil, err
			}
			b = rest
			if tag == tagBytes {
				k = append(k, raw)
			} else {
				k = append(k, string(raw))
			}
		case tagNumber, tagBigInt:
			if len(b) < 8 {
				return nil, fmt.Errorf("%w: truncated numeric part", ErrInvalidKey)
			}
			u := binary.BigEndian.Uint64(b[:8])
			b = b[8:]
			if tag == tagNumber {
				k = append(k, decodeFloat(u))
			} else {
				k = append(k, int64(u^(1<<63)))
			}
		case tagFalse:
			k = append(k, false)
		case tagTrue:
			k = append(k, true)
		default:
			return nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrInvalidKey, tag)
		}
	}
	return k, nil
}

func readEscaped(b []byte) ([]byte, []byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			out = append(out, b[i])
			continue
		}
		if i+1 < len(b) && b[i+1] == 0xFF {
			out = append(out, 0x00)
			i++
			continue
		}
		return out, b[i+1:], nil
	}
	return nil, nil, fmt.Errorf("%w: unterminated part", ErrInvalidKey)
}

func encodeCursor(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(raw) == 0 {
		return nil, ErrInvalidCursor
	}
	return raw, nil
}
