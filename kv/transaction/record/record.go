package record

import (
	"fmt"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap/errors"
)

// Attributes of a Transaction Record item in the Transactions table. The item key is the transaction id.
const (
	AttrState     = "_TxS"
	AttrRequests  = "_TxR"
	AttrVersion   = "_TxV"
	AttrDate      = "_TxD"
	AttrCompleted = "_TxC"
	AttrCommit    = "_TxI"
)

// State is the lifecycle state of a transaction. PENDING moves to exactly one of COMMITTED or ROLLED_BACK, and
// both of those are final.
type State byte

const (
	StatePending    State = 'P'
	StateCommitted  State = 'C'
	StateRolledBack State = 'R'
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLED_BACK"
	}
	return fmt.Sprintf("State(%d)", byte(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether no further transition is possible from s.
func (s State) IsTerminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

// Record is the durable description of one transaction.
type Record struct {
	ID    string
	State State
	// Version is bumped by every write of the record; writes are conditioned on the version they read.
	Version      int64
	LastModified time.Time
	// CommitRequested is set when a client asks to commit. Only such a transaction may be committed on its
	// behalf by someone else.
	CommitRequested bool
	// Completed is set once every item of a terminal transaction has been unlocked or restored.
	Completed bool
	Requests  []*Request
}

// New returns the initial PENDING record of txID.
func New(txID string, now time.Time) *Record {
	return &Record{
		ID:           txID,
		State:        StatePending,
		Version:      1,
		LastModified: now,
	}
}

// FindID returns the request with the given request id, or nil.
func (r *Record) FindID(requestID string) *Request {
	for _, req := range r.Requests {
		if req.ID == requestID {
			return req
		}
	}
	return nil
}

// WriteFor returns the write request this transaction made on an item, or nil. There is at most one.
func (r *Record) WriteFor(table, key string) *Request {
	for _, req := range r.Requests {
		if req.IsWrite() && req.Table == table && req.Key == key {
			return req
		}
	}
	return nil
}

// Targets returns every item the transaction has a request on, each once, in request order.
func (r *Record) Targets() []Target {
	seen := make(map[Target]struct{}, len(r.Requests))
	targets := make([]Target, 0, len(r.Requests))
	for _, req := range r.Requests {
		t := req.Target()
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		targets = append(targets, t)
	}
	return targets
}

// Age returns how long ago the record was last written.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.LastModified)
}

func (r *Record) Clone() *Record {
	c := *r
	c.Requests = make([]*Request, len(r.Requests))
	for i, req := range r.Requests {
		c.Requests[i] = req.Clone()
	}
	return &c
}

func (r *Record) String() string {
	return fmt.Sprintf("txn %s %v v%d requests=%d commit-requested=%v completed=%v",
		r.ID, r.State, r.Version, len(r.Requests), r.CommitRequested, r.Completed)
}

// ToItem converts r to the item stored in the Transactions table.
func (r *Record) ToItem() storage.Item {
	item := storage.Item{
		AttrState:    storage.S(string([]byte{byte(r.State)})),
		AttrRequests: storage.B(EncodeRequests(r.Requests)),
		AttrVersion:  storage.N(r.Version),
		AttrDate:     storage.N(r.LastModified.UnixNano()),
	}
	if r.Completed {
		item[AttrCompleted] = storage.N(1)
	}
	if r.CommitRequested {
		item[AttrCommit] = storage.N(1)
	}
	return item
}

// FromItem parses an item of the Transactions table. It returns nil if item is nil.
func FromItem(txID string, item storage.Item) (*Record, error) {
	if item == nil {
		return nil, nil
	}
	state, ok := item[AttrState]
	if !ok || state.Kind != storage.KindString || len(state.S) != 1 {
		return nil, errors.Errorf("record: transaction %s has malformed state %v", txID, state)
	}
	r := &Record{
		ID:    txID,
		State: State(state.S[0]),
	}
	switch r.State {
	case StatePending, StateCommitted, StateRolledBack:
	default:
		return nil, errors.Errorf("record: transaction %s has unknown state %q", txID, state.S)
	}
	version, ok := item[AttrVersion]
	if !ok || version.Kind != storage.KindNumber {
		return nil, errors.Errorf("record: transaction %s has no version", txID)
	}
	r.Version = version.N
	if date, ok := item[AttrDate]; ok && date.Kind == storage.KindNumber {
		r.LastModified = time.Unix(0, date.N)
	}
	_, r.Completed = item[AttrCompleted]
	_, r.CommitRequested = item[AttrCommit]
	if reqs, ok := item[AttrRequests]; ok {
		if reqs.Kind != storage.KindBytes {
			return nil, errors.Errorf("record: transaction %s has malformed requests", txID)
		}
		var err error
		if r.Requests, err = DecodeRequests(reqs.B); err != nil {
			return nil, errors.Annotatef(err, "record: transaction %s", txID)
		}
	}
	return r, nil
}
