package kv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const (
	recordVersionV1  = 1
	messageVersionV1 = 1
)

// record is the stored form of an entry.
type record struct {
	kind     Kind
	version  uint64
	expireAt int64 // unix millis, 0 for none
	value    []byte
}

func (r *record) expired(now time.Time) bool {
	return r.expireAt != 0 && now.UnixMilli() >= r.expireAt
}

func (r *record) entry(key []byte) (Entry, error) {
	k, err := decodeKey(key)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		Key:          k,
		Kind:         r.kind,
		Value:        append([]byte(nil), r.value...),
		Versionstamp: FormatVersionstamp(r.version),
	}
	if r.expireAt != 0 {
		e.ExpireAt = time.UnixMilli(r.expireAt)
	}
	return e, nil
}

func encodeRecord(r *record) []byte {
	var buf bytes.Buffer
	buf.Grow(22 + len(r.value))

	buf.WriteByte(recordVersionV1)
	buf.WriteByte(byte(r.kind))
	_ = binary.Write(&buf, binary.BigEndian, r.version)
	_ = binary.Write(&buf, binary.BigEndian, r.expireAt)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(r.value)))
	buf.Write(r.value)

	return buf.Bytes()
}

func decodeRecord(data []byte) (*record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if version != recordVersionV1 {
		return nil, fmt.Errorf("%w: record version %d", ErrCorruptRecord, version)
	}

	kind, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	r := &record{kind: Kind(kind)}
	if err := binary.Read(reader, binary.BigEndian, &r.version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if err := binary.Read(reader, binary.BigEndian, &r.expireAt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	var n uint32
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if n > MaxValueSize {
		return nil, fmt.Errorf("%w: value length %d", ErrCorruptRecord, n)
	}
	r.value = make([]byte, n)
	if _, err := io.ReadFull(reader, r.value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	return r, nil
}

// message is a queued value awaiting delivery.
type message struct {
	id                string
	value             []byte
	readyAt           int64 // unix millis
	attempts          uint16
	keysIfUndelivered [][]byte
}

func encodeMessage(m *message) []byte {
	var buf bytes.Buffer

	buf.WriteByte(messageVersionV1)
	_ = binary.Write(&buf, binary.BigEndian, m.attempts)
	_ = binary.Write(&buf, binary.BigEndian, m.readyAt)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(m.value)))
	buf.Write(m.value)
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(m.keysIfUndelivered)))
	for _, k := range m.keysIfUndelivered {
		_ = binary.Write(&buf, binary.BigEndian, uint16(len(k)))
		buf.Write(k)
	}

	return buf.Bytes()
}

func decodeMessage(id string, data []byte) (*message, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if version != messageVersionV1 {
		return nil, fmt.Errorf("%w: message version %d", ErrCorruptRecord, version)
	}

	m := &message{id: id}
	if err := binary.Read(reader, binary.BigEndian, &m.attempts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if err := binary.Read(reader, binary.BigEndian, &m.readyAt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	var n uint32
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if n > MaxValueSize {
		return nil, fmt.Errorf("%w: message length %d", ErrCorruptRecord, n)
	}
	m.value = make([]byte, n)
	if _, err := io.ReadFull(reader, m.value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	var keys uint16
	if err := binary.Read(reader, binary.BigEndian, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	for i := 0; i < int(keys); i++ {
		var kl uint16
		if err := binary.Read(reader, binary.BigEndian, &kl); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		k := make([]byte, kl)
		if _, err := io.ReadFull(reader, k); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		m.keysIfUndelivered = append(m.keysIfUndelivered, k)
	}

	return m, nil
}
