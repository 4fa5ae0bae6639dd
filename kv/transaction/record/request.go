package record

import (
	"fmt"

	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap/errors"
)

// RequestKind is the operation a Request performs on its item.
type RequestKind byte

const (
	KindGet    RequestKind = 1
	KindPut    RequestKind = 2
	KindUpdate RequestKind = 3
	KindDelete RequestKind = 4
)

func (k RequestKind) String() string {
	switch k {
	case KindGet:
		return "GET"
	case KindPut:
		return "PUT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	}
	return fmt.Sprintf("RequestKind(%d)", byte(k))
}

func (k RequestKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ActionKind is one attribute change of an UPDATE.
type ActionKind byte

const (
	// ActionSet sets the attribute to Value.
	ActionSet ActionKind = 1
	// ActionAdd adds the numeric Value to the attribute, treating an absent attribute as zero.
	ActionAdd ActionKind = 2
	// ActionRemove removes the attribute.
	ActionRemove ActionKind = 3
)

type Action struct {
	Kind  ActionKind
	Attr  string
	Value storage.Value
}

func Set(attr string, v storage.Value) Action {
	return Action{Kind: ActionSet, Attr: attr, Value: v}
}

func Add(attr string, delta int64) Action {
	return Action{Kind: ActionAdd, Attr: attr, Value: storage.N(delta)}
}

func Remove(attr string) Action {
	return Action{Kind: ActionRemove, Attr: attr}
}

func (a Action) equal(o Action) bool {
	return a.Kind == o.Kind && a.Attr == o.Attr && (a.Kind == ActionRemove || a.Value.Equal(o.Value))
}

// Target identifies one item of a user table.
type Target struct {
	Table string
	Key   string
}

func (t Target) String() string {
	return t.Table + "/" + t.Key
}

// ErrInvalidUpdate is the cause of an UPDATE that cannot be applied to the item it targets.
var ErrInvalidUpdate = errors.New("record: update does not apply to item")

// Request is one operation of a transaction.
type Request struct {
	// ID is chosen by the caller and makes resubmission idempotent.
	ID    string
	Kind  RequestKind
	Table string
	Key   string
	// Item is the full new item of a PUT.
	Item storage.Item
	// Actions are the changes of an UPDATE, applied in order.
	Actions []Action
	// Expected must hold on the item, as this transaction sees it, before a write is applied.
	Expected []storage.Check

	// Finalized is set once Result has been returned to the caller.
	Finalized bool
	// Result is the item as the transaction saw it after the request, nil for DELETE or an absent item.
	Result storage.Item
}

func (req *Request) Target() Target {
	return Target{Table: req.Table, Key: req.Key}
}

// IsWrite reports whether the request changes its item.
func (req *Request) IsWrite() bool {
	return req.Kind == KindPut || req.Kind == KindUpdate || req.Kind == KindDelete
}

// Mutates reports whether the request changes the visible attributes as soon as its lock is taken. A DELETE only
// takes effect when the transaction commits.
func (req *Request) Mutates() bool {
	return req.Kind == KindPut || req.Kind == KindUpdate
}

// SamePayload reports whether other asks for exactly the same operation.
func (req *Request) SamePayload(other *Request) bool {
	if req.Kind != other.Kind || req.Table != other.Table || req.Key != other.Key {
		return false
	}
	if !req.Item.Equal(other.Item) && !(len(req.Item) == 0 && len(other.Item) == 0) {
		return false
	}
	if len(req.Actions) != len(other.Actions) || len(req.Expected) != len(other.Expected) {
		return false
	}
	for i := range req.Actions {
		if !req.Actions[i].equal(other.Actions[i]) {
			return false
		}
	}
	for i, c := range req.Expected {
		o := other.Expected[i]
		if c.Attr != o.Attr || c.Absent != o.Absent || (!c.Absent && !c.Value.Equal(o.Value)) {
			return false
		}
	}
	return true
}

// Condition returns the Expected checks as a storage condition.
func (req *Request) Condition() *storage.Condition {
	if len(req.Expected) == 0 {
		return nil
	}
	return &storage.Condition{Checks: req.Expected}
}

// Apply returns the user attributes of the item after the request, given the attributes before it (nil when the
// item does not exist). It does not modify current. GET returns current unchanged and DELETE returns nil.
func (req *Request) Apply(current storage.Item) (storage.Item, error) {
	switch req.Kind {
	case KindGet:
		return current, nil
	case KindDelete:
		return nil, nil
	case KindPut:
		return req.Item.Clone(), nil
	case KindUpdate:
		next := current.Clone()
		if next == nil {
			next = make(storage.Item, len(req.Actions))
		}
		for _, a := range req.Actions {
			switch a.Kind {
			case ActionSet:
				next[a.Attr] = a.Value
			case ActionRemove:
				delete(next, a.Attr)
			case ActionAdd:
				if a.Value.Kind != storage.KindNumber {
					return nil, errors.Annotatef(ErrInvalidUpdate, "ADD %s needs a number, got %v", a.Attr, a.Value)
				}
				old, ok := next[a.Attr]
				if ok && old.Kind != storage.KindNumber {
					return nil, errors.Annotatef(ErrInvalidUpdate, "ADD %s: attribute holds %v, not a number", a.Attr, old)
				}
				next[a.Attr] = storage.N(old.N + a.Value.N)
			default:
				return nil, errors.Annotatef(ErrInvalidUpdate, "unknown update action %d on %s", a.Kind, a.Attr)
			}
		}
		return next, nil
	}
	return nil, errors.Annotatef(ErrInvalidUpdate, "unknown request kind %v", req.Kind)
}

// Attrs returns every attribute name the request writes or tests.
func (req *Request) Attrs() []string {
	var names []string
	for name := range req.Item {
		names = append(names, name)
	}
	for _, a := range req.Actions {
		names = append(names, a.Attr)
	}
	for _, c := range req.Expected {
		names = append(names, c.Attr)
	}
	return names
}

func (req *Request) Clone() *Request {
	c := *req
	c.Item = req.Item.Clone()
	c.Result = req.Result.Clone()
	if req.Actions != nil {
		c.Actions = append([]Action(nil), req.Actions...)
	}
	if req.Expected != nil {
		c.Expected = append([]storage.Check(nil), req.Expected...)
	}
	return &c
}

func (req *Request) String() string {
	return fmt.Sprintf("%s %s (request %s)", req.Kind, req.Target(), req.ID)
}
