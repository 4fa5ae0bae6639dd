package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/util/worker"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// sweepTask asks the daemon worker for one sweep. reply, if set, receives the result.
type sweepTask struct {
	age   time.Duration
	reply chan<- sweepReply
}

type sweepReply struct {
	res Result
	err error
}

// Stats are the totals of every sweep a Daemon ran.
type Stats struct {
	Sweeps       int64     `json:"sweeps"`
	Swept        int64     `json:"swept"`
	StillPending int64     `json:"still_pending"`
	Deleted      int64     `json:"deleted"`
	Images       int64     `json:"images"`
	Errors       int64     `json:"errors"`
	LastSweep    time.Time `json:"last_sweep"`
}

// Daemon sweeps on a fixed interval. All sweeps, periodic or requested through SweepNow, run one at a time on
// a single worker.
type Daemon struct {
	sweeper  *Sweeper
	conf     config.SweepConfig
	worker   *worker.Worker
	wg       sync.WaitGroup
	stopOnce sync.Once
	closeCh  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	sweeps       atomic.Int64
	swept        atomic.Int64
	stillPending atomic.Int64
	deleted      atomic.Int64
	images       atomic.Int64
	failures     atomic.Int64
	lastSweep    atomic.Int64
}

func NewDaemon(s *Sweeper, conf config.SweepConfig) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		sweeper: s,
		conf:    conf,
		closeCh: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	d.worker = worker.NewWorker("sweeper", &d.wg)
	return d
}

func (d *Daemon) Start() {
	d.worker.Start(&sweepHandler{d: d})
	d.wg.Add(1)
	go d.tick()
	log.Info("sweep daemon started",
		zap.Duration("interval", d.conf.Interval.Duration),
		zap.Duration("age-threshold", d.conf.AgeThreshold.Duration))
}

// Stop cancels the running sweep and waits for the daemon to exit. Calls after the first return at once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		close(d.closeCh)
		d.cancel()
		d.worker.Stop()
		d.wg.Wait()
		log.Info("sweep daemon stopped")
	})
}

func (d *Daemon) tick() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.conf.Interval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-d.closeCh:
			return
		case <-ticker.C:
			select {
			case d.worker.Sender() <- sweepTask{age: d.conf.AgeThreshold.Duration}:
			default:
				log.Warn("sweep worker is busy, skipping a tick")
			}
		}
	}
}

// SweepNow runs a sweep with the given age threshold on the daemon worker and waits for its result.
func (d *Daemon) SweepNow(ctx context.Context, age time.Duration) (Result, error) {
	select {
	case <-d.closeCh:
		return Result{}, errors.New("sweep daemon is stopped")
	default:
	}
	reply := make(chan sweepReply, 1)
	select {
	case d.worker.Sender() <- sweepTask{age: age, reply: reply}:
	case <-d.closeCh:
		return Result{}, errors.New("sweep daemon is stopped")
	case <-ctx.Done():
		return Result{}, errors.Trace(ctx.Err())
	}
	select {
	case r := <-reply:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, errors.Trace(ctx.Err())
	}
}

func (d *Daemon) Stats() Stats {
	st := Stats{
		Sweeps:       d.sweeps.Load(),
		Swept:        d.swept.Load(),
		StillPending: d.stillPending.Load(),
		Deleted:      d.deleted.Load(),
		Images:       d.images.Load(),
		Errors:       d.failures.Load(),
	}
	if last := d.lastSweep.Load(); last != 0 {
		st.LastSweep = time.Unix(0, last)
	}
	return st
}

func (d *Daemon) record(res Result) {
	d.sweeps.Inc()
	d.swept.Add(int64(res.Swept))
	d.stillPending.Add(int64(res.StillPending))
	d.deleted.Add(int64(res.Deleted))
	d.images.Add(int64(res.Images))
	d.failures.Add(int64(res.Errors))
	d.lastSweep.Store(time.Now().UnixNano())
}

type sweepHandler struct {
	d *Daemon
}

func (h *sweepHandler) Handle(t worker.Task) {
	task, ok := t.(sweepTask)
	if !ok {
		log.Error("unexpected task", zap.Reflect("task", t))
		return
	}
	res, err := h.d.sweeper.Sweep(h.d.ctx, task.age)
	if err != nil {
		log.Warn("sweep failed", zap.Error(err))
	}
	h.d.record(res)
	if task.reply != nil {
		task.reply <- sweepReply{res: res, err: err}
	}
}
