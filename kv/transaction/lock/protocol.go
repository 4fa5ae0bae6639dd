package lock

import (
	"context"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/image"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/record"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var (
	// ErrNotLocked is returned when a transaction tries to release or restore an item it holds no lock on.
	ErrNotLocked = errors.New("lock: item is not locked by the transaction")
	// ErrExpectationFailed is returned by Acquire when a request's expected attributes do not hold.
	ErrExpectationFailed = errors.New("lock: expected attributes do not hold")
	// ErrRaceLost is returned when a conditional write kept failing because other writers changed the item.
	ErrRaceLost = errors.New("lock: item keeps changing under concurrent writers")
	// ErrImageMissing means an applied lock has no image to restore from.
	ErrImageMissing = errors.New("lock: image of applied item is missing")
)

// Protocol acquires, releases and restores item locks. Every step is one conditional write on the item and is
// safe to repeat: a step that finds its work already done reports success or ErrNotLocked.
type Protocol struct {
	st          storage.Storage
	images      *image.Store
	maxAttempts int
}

func NewProtocol(st storage.Storage, images *image.Store, maxAttempts int) *Protocol {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Protocol{st: st, images: images, maxAttempts: maxAttempts}
}

// Read returns the raw item with its lock, if any.
func (p *Protocol) Read(ctx context.Context, t record.Target) (storage.Item, *Lock, error) {
	item, err := p.st.Get(ctx, t.Table, t.Key)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return item, Parse(item), nil
}

// Acquire makes one attempt to lock the target of req for txID and apply req, given current, the raw item as just
// read. current must be unlocked or already locked by txID. The image of an existing item is saved before the
// lock write that applies a change to it. It returns the item as txID now sees it.
//
// A storage.ErrConditionFailed result means current is out of date; the caller re-reads and tries again.
func (p *Protocol) Acquire(ctx context.Context, txID string, req *record.Request, current storage.Item, now time.Time) (storage.Item, error) {
	l := Parse(current)
	if l != nil && l.Owner != txID {
		return nil, errors.Errorf("lock: %s is locked by %s, not %s", req.Target(), l.Owner, txID)
	}
	if l == nil {
		return p.acquire(ctx, txID, req, current, now)
	}
	return p.applyLocked(ctx, txID, req, current, l)
}

func (p *Protocol) acquire(ctx context.Context, txID string, req *record.Request, current storage.Item, now time.Time) (storage.Item, error) {
	existed := current != nil
	view := Strip(current)
	if req.IsWrite() && !req.Condition().Holds(view) {
		return nil, ErrExpectationFailed
	}
	next := view
	if req.Mutates() {
		var err error
		if next, err = req.Apply(view); err != nil {
			return nil, err
		}
		if existed {
			if err = p.images.Save(ctx, txID, req.Table, req.Key, view); err != nil {
				return nil, err
			}
		}
	}
	l := &Lock{Owner: txID, Transient: !existed, Applied: req.Mutates(), Date: now}
	err := p.st.Put(ctx, req.Table, req.Key, l.Embed(next, Version(current)+1), unchanged(current))
	if err != nil {
		return nil, err
	}
	log.Debug("item locked", zap.String("txn", txID), zap.Stringer("request", req), zap.Stringer("lock", l))
	if req.Kind == record.KindDelete || next == nil {
		return nil, nil
	}
	return next.Clone(), nil
}

func (p *Protocol) applyLocked(ctx context.Context, txID string, req *record.Request, current storage.Item, l *Lock) (storage.Item, error) {
	view := l.View(current)
	switch {
	case !req.IsWrite():
		return view, nil
	case req.Kind == record.KindDelete:
		if !req.Condition().Holds(view) {
			return nil, ErrExpectationFailed
		}
		return nil, nil
	case l.Applied:
		// The write was applied by an earlier attempt of this request.
		return view, nil
	}
	if !req.Condition().Holds(view) {
		return nil, ErrExpectationFailed
	}
	next, err := req.Apply(view)
	if err != nil {
		return nil, err
	}
	if !l.Transient {
		if err = p.images.Save(ctx, txID, req.Table, req.Key, view); err != nil {
			return nil, err
		}
	}
	applied := *l
	applied.Applied = true
	if err = p.st.Put(ctx, req.Table, req.Key, applied.Embed(next, Version(current)+1), unchanged(current)); err != nil {
		return nil, err
	}
	log.Debug("write applied under held lock", zap.String("txn", txID), zap.Stringer("request", req))
	return next.Clone(), nil
}

// Release removes txID's lock from a committed item. If deleted is set, or the item was created only to hold the
// lock, the item itself is removed; otherwise the applied attributes become the visible state. The image is
// dropped in every case. It returns ErrNotLocked if txID holds no lock on the item.
func (p *Protocol) Release(ctx context.Context, txID string, t record.Target, deleted bool) error {
	err := p.resolve(ctx, txID, t, func(current storage.Item, l *Lock) (storage.Item, error) {
		if deleted || (l.Transient && !l.Applied) {
			return nil, nil
		}
		return Strip(current), nil
	})
	return p.dropImage(ctx, txID, t, err)
}

// Restore undoes txID's change to a rolled back item. A transient item is deleted, an applied item gets its image
// back, and an item locked without a change just loses the lock. It returns ErrNotLocked if txID holds no lock on
// the item.
func (p *Protocol) Restore(ctx context.Context, txID string, t record.Target) error {
	err := p.resolve(ctx, txID, t, func(current storage.Item, l *Lock) (storage.Item, error) {
		switch {
		case l.Transient:
			return nil, nil
		case l.Applied:
			img, err := p.images.Load(ctx, txID, t.Table, t.Key)
			if err != nil {
				return nil, err
			}
			if img == nil {
				log.Error("applied item has no image, cannot roll back", zap.String("txn", txID), zap.Stringer("item", t))
				return nil, ErrImageMissing
			}
			return img, nil
		default:
			return Strip(current), nil
		}
	})
	return p.dropImage(ctx, txID, t, err)
}

// dropImage deletes the image once the item no longer needs it, that is when resolving the item succeeded or
// found it already resolved.
func (p *Protocol) dropImage(ctx context.Context, txID string, t record.Target, err error) error {
	if err != nil && err != ErrNotLocked {
		return err
	}
	if dropErr := p.images.Drop(ctx, txID, t.Table, t.Key); dropErr != nil {
		return dropErr
	}
	return err
}

// resolve replaces txID's locked item with the unlocked result of final, deleting it when final returns nil.
func (p *Protocol) resolve(ctx context.Context, txID string, t record.Target,
	final func(current storage.Item, l *Lock) (storage.Item, error)) error {
	for i := 0; i < p.maxAttempts; i++ {
		current, l, err := p.Read(ctx, t)
		if err != nil {
			return err
		}
		if l == nil || l.Owner != txID {
			return ErrNotLocked
		}
		user, err := final(current, l)
		if err != nil {
			return err
		}
		cond := unchanged(current)
		if user == nil {
			err = p.st.Delete(ctx, t.Table, t.Key, cond)
		} else {
			err = p.st.Put(ctx, t.Table, t.Key, unlocked(user, Version(current)+1), cond)
		}
		if storage.IsConditionFailed(err) {
			continue
		}
		return errors.Trace(err)
	}
	return ErrRaceLost
}
