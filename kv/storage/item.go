package storage

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// ValueKind is the type tag of an attribute Value.
type ValueKind byte

const (
	KindString ValueKind = 1
	KindNumber ValueKind = 2
	KindBytes  ValueKind = 3
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "S"
	case KindNumber:
		return "N"
	case KindBytes:
		return "B"
	}
	return "?"
}

// Value is a single attribute value. Only the field matching Kind is meaningful.
type Value struct {
	Kind ValueKind
	S    string
	N    int64
	B    []byte
}

// S makes a string value.
func S(s string) Value {
	return Value{Kind: KindString, S: s}
}

// N makes a numeric value.
func N(n int64) Value {
	return Value{Kind: KindNumber, N: n}
}

// B makes a binary value.
func B(b []byte) Value {
	return Value{Kind: KindBytes, B: b}
}

// Valid reports whether v has a known kind. The zero Value is not valid.
func (v Value) Valid() bool {
	return v.Kind >= KindString && v.Kind <= KindBytes
}

func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.S == other.S
	case KindNumber:
		return v.N == other.N
	case KindBytes:
		return bytes.Equal(v.B, other.B)
	}
	return true
}

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return strconv.Quote(v.S)
	case KindNumber:
		return strconv.FormatInt(v.N, 10)
	case KindBytes:
		return fmt.Sprintf("%x", v.B)
	}
	return "<invalid>"
}

func (v Value) clone() Value {
	if v.Kind == KindBytes && v.B != nil {
		v.B = append([]byte(nil), v.B...)
	}
	return v
}

// Item is the set of attributes stored under one key.
type Item map[string]Value

// Clone returns a deep copy of item. Cloning nil returns nil.
func (item Item) Clone() Item {
	if item == nil {
		return nil
	}
	c := make(Item, len(item))
	for name, v := range item {
		c[name] = v.clone()
	}
	return c
}

// Equal reports whether both items hold the same attributes. A nil item equals only another nil item.
func (item Item) Equal(other Item) bool {
	if (item == nil) != (other == nil) || len(item) != len(other) {
		return false
	}
	for name, v := range item {
		o, ok := other[name]
		if !ok || !v.Equal(o) {
			return false
		}
	}
	return true
}

// Names returns the attribute names of item in sorted order.
func (item Item) Names() []string {
	names := make([]string, 0, len(item))
	for name := range item {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (item Item) String() string {
	if item == nil {
		return "<absent>"
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range item.Names() {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(name)
		buf.WriteByte(':')
		buf.WriteString(item[name].String())
	}
	buf.WriteByte('}')
	return buf.String()
}
