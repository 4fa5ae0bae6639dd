// Package sweeper finishes transactions abandoned by their clients.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/record"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Result counts what one sweep did.
type Result struct {
	// Swept is the number of PENDING records this sweep resolved to a final state.
	Swept int `json:"swept"`
	// StillPending is the number of PENDING records left alone because they are younger than the age threshold,
	// or could not be resolved.
	StillPending int `json:"still_pending"`
	Committed    int `json:"committed"`
	RolledBack   int `json:"rolled_back"`
	// Deleted is the number of records that were already final when scanned and were removed together with their
	// images.
	Deleted int `json:"deleted"`
	// Images is the number of images dropped because their transaction has no record any more.
	Images int `json:"images"`
	Errors int `json:"errors"`
}

func (r *Result) add(o outcome) {
	if o.resolved {
		r.Swept++
		switch o.state {
		case record.StateCommitted:
			r.Committed++
		case record.StateRolledBack:
			r.RolledBack++
		}
	}
	switch o.kind {
	case outcomeYoung:
		if o.state == record.StatePending {
			r.StillPending++
		}
	case outcomeDeleted:
		r.Deleted++
	case outcomeFailed:
		r.Errors++
		if o.state == record.StatePending {
			r.StillPending++
		}
	case outcomeCorrupt:
		r.Errors++
	}
}

type outcomeKind int

const (
	// outcomeYoung is a record below the age threshold.
	outcomeYoung outcomeKind = iota
	// outcomeGone is a record deleted by someone else while the sweep ran.
	outcomeGone
	outcomeResolved
	outcomeDeleted
	outcomeFailed
	outcomeCorrupt
)

var outcomeLabels = map[outcomeKind]string{
	outcomeYoung:    "young",
	outcomeGone:     "gone",
	outcomeResolved: "resolved",
	outcomeDeleted:  "deleted",
	outcomeFailed:   "failed",
	outcomeCorrupt:  "corrupt",
}

type outcome struct {
	kind  outcomeKind
	state record.State
	// resolved is set when this sweep moved the record out of PENDING.
	resolved bool
}

// Sweeper resolves transactions whose client went away. Any number of sweepers, in any number of processes, may
// run at once: everything a sweep does goes through the same conditional writes a client would issue.
type Sweeper struct {
	m       *transaction.Manager
	workers int
	limiter *rate.Limiter
}

func New(m *transaction.Manager, conf config.SweepConfig) *Sweeper {
	workers := conf.Workers
	if workers <= 0 {
		workers = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if conf.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(conf.Rate), workers)
	}
	return &Sweeper{m: m, workers: workers, limiter: limiter}
}

// Sweep scans every Transaction Record and handles those at least age old. A PENDING record is committed if its
// client asked to commit and every request holds an applied lock, and rolled back otherwise; its record stays so
// the client can still learn the outcome. A record that was already final when scanned has its items unlocked,
// then is deleted together with its images. Images whose transaction has no record left are dropped last.
func (s *Sweeper) Sweep(ctx context.Context, age time.Duration) (Result, error) {
	start := time.Now()
	defer func() {
		sweepDuration.Observe(time.Since(start).Seconds())
	}()

	var (
		res   Result
		ids   []string
		now   = s.m.Now()
		seen  = map[string]bool{}
		state = map[string]record.State{}
	)
	err := s.m.ScanRecords(ctx, func(rec *record.Record, err error) bool {
		if err != nil {
			if corrupt, ok := errors.Cause(err).(*transaction.ErrCorruptRecord); ok {
				seen[corrupt.TxID] = true
			}
			log.Error("skipping corrupt transaction record", zap.Error(err))
			s.count(&res, outcome{kind: outcomeCorrupt})
			return ctx.Err() == nil
		}
		seen[rec.ID] = true
		if rec.Age(now) < age {
			s.count(&res, outcome{kind: outcomeYoung, state: rec.State})
			return true
		}
		ids = append(ids, rec.ID)
		state[rec.ID] = rec.State
		return ctx.Err() == nil
	})
	if err != nil {
		return res, errors.Trace(err)
	}

	tasks := make(chan string)
	outcomes := make(chan outcome)
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range tasks {
				outcomes <- s.sweepOne(ctx, id, age, state[id])
			}
		}()
	}
	go func() {
		defer close(tasks)
		for _, id := range ids {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			tasks <- id
		}
	}()
	go func() {
		wg.Wait()
		close(outcomes)
	}()
	for o := range outcomes {
		s.count(&res, o)
	}

	if ctx.Err() == nil {
		dropped, err := s.m.DropOrphanImages(ctx, func(txID string) bool { return seen[txID] })
		res.Images = dropped
		sweeperImageCounter.Add(float64(dropped))
		if err != nil {
			log.Warn("sweep could not drop orphan images", zap.Error(err))
			res.Errors++
		}
	}

	log.Info("sweep finished",
		zap.Duration("age", age),
		zap.Int("candidates", len(ids)),
		zap.Int("swept", res.Swept),
		zap.Int("still-pending", res.StillPending),
		zap.Int("committed", res.Committed),
		zap.Int("rolled-back", res.RolledBack),
		zap.Int("deleted", res.Deleted),
		zap.Int("images", res.Images),
		zap.Int("errors", res.Errors),
		zap.Duration("takes", time.Since(start)))
	return res, errors.Trace(ctx.Err())
}

func (s *Sweeper) count(res *Result, o outcome) {
	sweeperCounter.WithLabelValues(outcomeLabels[o.kind]).Inc()
	res.add(o)
}

// sweepOne handles one record. scanned is the state it had when the scan saw it: a record scanned PENDING is only
// resolved, and a later sweep deletes it once it has aged again.
func (s *Sweeper) sweepOne(ctx context.Context, txID string, age time.Duration, scanned record.State) outcome {
	// The record may have been touched since the scan.
	rec, err := s.m.Record(ctx, txID)
	if isNotFound(err) {
		return outcome{kind: outcomeGone, state: scanned}
	}
	if err != nil {
		log.Warn("sweep could not load record", zap.String("txn", txID), zap.Error(err))
		return outcome{kind: outcomeFailed, state: scanned}
	}
	if rec.Age(s.m.Now()) < age {
		return outcome{kind: outcomeYoung, state: rec.State}
	}
	pending := rec.State == record.StatePending
	if pending {
		log.Info("sweeping abandoned transaction", zap.String("txn", txID), zap.Duration("age", rec.Age(s.m.Now())))
	}

	res, err := s.m.Resume(ctx, txID)
	if isNotFound(err) {
		return outcome{kind: outcomeGone, state: rec.State}
	}
	if err != nil {
		log.Warn("sweep could not resolve transaction", zap.String("txn", txID), zap.Error(err))
		return outcome{kind: outcomeFailed, state: rec.State}
	}
	resolved := pending && res.State.IsTerminal()
	if !res.Completed {
		// Resume logged the item it could not clean up; the next sweep tries again.
		return outcome{kind: outcomeFailed, state: res.State, resolved: resolved}
	}
	if scanned == record.StatePending {
		return outcome{kind: outcomeResolved, state: res.State, resolved: resolved}
	}

	err = s.m.Delete(ctx, txID)
	if err == nil {
		return outcome{kind: outcomeDeleted, state: res.State}
	}
	if isNotFound(err) {
		return outcome{kind: outcomeGone, state: res.State}
	}
	if _, ok := errors.Cause(err).(*transaction.ErrTransactionConflict); ok {
		// Another sweeper deleted it first if the record is gone now.
		if _, err2 := s.m.Record(ctx, txID); isNotFound(err2) {
			return outcome{kind: outcomeGone, state: res.State}
		}
	}
	log.Warn("sweep could not delete record", zap.String("txn", txID), zap.Error(err))
	return outcome{kind: outcomeFailed, state: res.State}
}

func isNotFound(err error) bool {
	_, ok := errors.Cause(err).(*transaction.ErrTransactionNotFound)
	return ok
}
