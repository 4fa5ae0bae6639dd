package record

import (
	"encoding/binary"

	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap/errors"
)

const requestCodecVersion = 1

const (
	flagFinalized byte = 1 << iota
	flagHasResult
	flagHasItem
)

// EncodeRequests serialises the request list of a record:
//
//	version(1) count(uvarint) request*
//	request = kind(1) flags(1) id table key [item] actions expected [result]
//	action  = kind(1) attr [value]    (REMOVE carries no value)
//
// Strings are uvarint length prefixed, items use storage.MarshalItem framing and values storage.AppendValue.
func EncodeRequests(reqs []*Request) []byte {
	buf := []byte{requestCodecVersion}
	buf = appendUvarint(buf, uint64(len(reqs)))
	for _, req := range reqs {
		var flags byte
		if req.Finalized {
			flags |= flagFinalized
		}
		if req.Result != nil {
			flags |= flagHasResult
		}
		if req.Item != nil {
			flags |= flagHasItem
		}
		buf = append(buf, byte(req.Kind), flags)
		buf = appendString(buf, req.ID)
		buf = appendString(buf, req.Table)
		buf = appendString(buf, req.Key)
		if req.Item != nil {
			buf = append(buf, storage.MarshalItem(req.Item)...)
		}
		buf = appendUvarint(buf, uint64(len(req.Actions)))
		for _, a := range req.Actions {
			buf = append(buf, byte(a.Kind))
			buf = appendString(buf, a.Attr)
			if a.Kind != ActionRemove {
				buf = storage.AppendValue(buf, a.Value)
			}
		}
		buf = appendUvarint(buf, uint64(len(req.Expected)))
		for _, c := range req.Expected {
			if c.Absent {
				buf = append(buf, 1)
				buf = appendString(buf, c.Attr)
			} else {
				buf = append(buf, 0)
				buf = appendString(buf, c.Attr)
				buf = storage.AppendValue(buf, c.Value)
			}
		}
		if req.Result != nil {
			buf = append(buf, storage.MarshalItem(req.Result)...)
		}
	}
	return buf
}

// DecodeRequests parses bytes produced by EncodeRequests.
func DecodeRequests(data []byte) ([]*Request, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] != requestCodecVersion {
		return nil, errors.Errorf("record: unsupported request encoding version %d", data[0])
	}
	d := decoder{data: data[1:]}
	count := d.uvarint()
	var reqs []*Request
	for i := uint64(0); i < count && d.err == nil; i++ {
		req := &Request{}
		req.Kind = RequestKind(d.byte())
		flags := d.byte()
		req.Finalized = flags&flagFinalized != 0
		req.ID = d.string()
		req.Table = d.string()
		req.Key = d.string()
		if flags&flagHasItem != 0 {
			req.Item = d.item()
		}
		if n := d.uvarint(); n > 0 && d.err == nil {
			req.Actions = make([]Action, 0, n)
			for j := uint64(0); j < n && d.err == nil; j++ {
				a := Action{Kind: ActionKind(d.byte())}
				a.Attr = d.string()
				if a.Kind != ActionRemove {
					a.Value = d.value()
				}
				req.Actions = append(req.Actions, a)
			}
		}
		if n := d.uvarint(); n > 0 && d.err == nil {
			req.Expected = make([]storage.Check, 0, n)
			for j := uint64(0); j < n && d.err == nil; j++ {
				c := storage.Check{Absent: d.byte() == 1}
				c.Attr = d.string()
				if !c.Absent {
					c.Value = d.value()
				}
				req.Expected = append(req.Expected, c)
			}
		}
		if flags&flagHasResult != 0 {
			req.Result = d.item()
		}
		reqs = append(reqs, req)
	}
	if d.err != nil {
		return nil, d.err
	}
	if len(d.data) != 0 {
		return nil, errors.Errorf("record: %d trailing bytes after requests", len(d.data))
	}
	return reqs, nil
}

func appendUvarint(buf []byte, n uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	l := binary.PutUvarint(tmp[:], n)
	return append(buf, tmp[:l]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// decoder reads fields in order and keeps the first error.
type decoder struct {
	data []byte
	err  error
}

func (d *decoder) byte() byte {
	if d.err != nil {
		return 0
	}
	if len(d.data) < 1 {
		d.err = errors.New("record: truncated requests")
		return 0
	}
	b := d.data[0]
	d.data = d.data[1:]
	return b
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	n, l := binary.Uvarint(d.data)
	if l <= 0 {
		d.err = errors.New("record: malformed varint")
		return 0
	}
	d.data = d.data[l:]
	return n
}

func (d *decoder) string() string {
	n := d.uvarint()
	if d.err != nil {
		return ""
	}
	if uint64(len(d.data)) < n {
		d.err = errors.Errorf("record: truncated string, want %d bytes, have %d", n, len(d.data))
		return ""
	}
	s := string(d.data[:n])
	d.data = d.data[n:]
	return s
}

func (d *decoder) value() storage.Value {
	if d.err != nil {
		return storage.Value{}
	}
	var v storage.Value
	v, d.data, d.err = storage.ReadValue(d.data)
	return v
}

func (d *decoder) item() storage.Item {
	if d.err != nil {
		return nil
	}
	var item storage.Item
	item, d.data, d.err = storage.ReadItem(d.data)
	return item
}
