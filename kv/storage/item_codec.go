package storage

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// MarshalItem encodes item for engines which store raw bytes. Attributes are written in name order so equal items
// always encode to equal bytes:
//
//	count(uvarint) { len(name)(uvarint) name value }*
//
// See AppendValue for the value layout.
func MarshalItem(item Item) []byte {
	buf := make([]byte, 0, 16*len(item)+binary.MaxVarintLen64)
	buf = appendUvarint(buf, uint64(len(item)))
	for _, name := range item.Names() {
		buf = appendUvarint(buf, uint64(len(name)))
		buf = append(buf, name...)
		buf = AppendValue(buf, item[name])
	}
	return buf
}

// UnmarshalItem decodes bytes produced by MarshalItem.
func UnmarshalItem(data []byte) (Item, error) {
	item, rest, err := ReadItem(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.Errorf("storage: %d trailing bytes after item", len(rest))
	}
	return item, nil
}

// ReadItem decodes one item produced by MarshalItem from the front of data and returns the remaining bytes.
func ReadItem(data []byte) (Item, []byte, error) {
	count, data, err := readUvarint(data)
	if err != nil {
		return nil, nil, err
	}
	item := make(Item, count)
	for i := uint64(0); i < count; i++ {
		var name []byte
		if name, data, err = readChunk(data); err != nil {
			return nil, nil, err
		}
		var v Value
		if v, data, err = ReadValue(data); err != nil {
			return nil, nil, errors.Annotatef(err, "attribute %q", name)
		}
		item[string(name)] = v
	}
	return item, data, nil
}

// AppendValue appends the encoding of v to buf: one kind byte, then 8 big-endian bytes for a number or a uvarint
// length prefixed payload for a string or bytes.
func AppendValue(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case KindString:
		buf = appendUvarint(buf, uint64(len(v.S)))
		buf = append(buf, v.S...)
	case KindNumber:
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(v.N))
		buf = append(buf, n[:]...)
	case KindBytes:
		buf = appendUvarint(buf, uint64(len(v.B)))
		buf = append(buf, v.B...)
	}
	return buf
}

// ReadValue decodes one value from the front of data and returns the remaining bytes.
func ReadValue(data []byte) (Value, []byte, error) {
	if len(data) < 1 {
		return Value{}, nil, errors.New("storage: truncated value, missing kind")
	}
	kind := ValueKind(data[0])
	data = data[1:]
	switch kind {
	case KindString:
		s, data, err := readChunk(data)
		if err != nil {
			return Value{}, nil, err
		}
		return S(string(s)), data, nil
	case KindNumber:
		if len(data) < 8 {
			return Value{}, nil, errors.New("storage: truncated value, short number")
		}
		return N(int64(binary.BigEndian.Uint64(data))), data[8:], nil
	case KindBytes:
		b, data, err := readChunk(data)
		if err != nil {
			return Value{}, nil, err
		}
		return B(append([]byte(nil), b...)), data, nil
	}
	return Value{}, nil, errors.Errorf("storage: unknown value kind %d", kind)
}

func appendUvarint(buf []byte, n uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	l := binary.PutUvarint(tmp[:], n)
	return append(buf, tmp[:l]...)
}

func readUvarint(data []byte) (uint64, []byte, error) {
	n, l := binary.Uvarint(data)
	if l <= 0 {
		return 0, nil, errors.New("storage: malformed varint")
	}
	return n, data[l:], nil
}

func readChunk(data []byte) ([]byte, []byte, error) {
	n, data, err := readUvarint(data)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(data)) < n {
		return nil, nil, errors.Errorf("storage: truncated data, want %d bytes, have %d", n, len(data))
	}
	return data[:n], data[n:], nil
}
