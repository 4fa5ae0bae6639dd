package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/record"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/sweeper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	t      *testing.T
	ctx    context.Context
	conf   *config.Config
	clock  *transaction.ManualClock
	mem    *storage.MemStorage
	m      *transaction.Manager
	daemon *sweeper.Daemon
	s      *Server
}

func newTestServer(t *testing.T) *testServer {
	conf := config.NewTestConfig()
	conf.Sweep.Interval.Duration = time.Hour
	clock := transaction.NewManualClock(time.Unix(1600000000, 0))
	mem := storage.NewMemStorage()
	m := transaction.NewManager(mem, conf, transaction.WithClock(clock))
	daemon := sweeper.NewDaemon(sweeper.New(m, conf.Sweep), conf.Sweep)
	daemon.Start()
	t.Cleanup(daemon.Stop)
	return &testServer{
		t:      t,
		ctx:    context.Background(),
		conf:   conf,
		clock:  clock,
		mem:    mem,
		m:      m,
		daemon: daemon,
		s:      NewServer(m, daemon),
	}
}

func (ts *testServer) do(method, url string, out interface{}) int {
	req := httptest.NewRequest(method, url, nil)
	rec := httptest.NewRecorder()
	ts.s.Handler().ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.Nil(ts.t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func (ts *testServer) pending() string {
	txn, err := ts.m.Begin(ts.ctx)
	require.Nil(ts.t, err)
	_, err = txn.Put(ts.ctx, "r1", "T", "a", storage.Item{"v": storage.N(1)})
	require.Nil(ts.t, err)
	return txn.ID()
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t)
	var status statusView
	require.Equal(t, http.StatusOK, ts.do("GET", "/status", &status))
	assert.Equal(t, "200ms", status.StaleTxnThreshold)
	assert.Equal(t, "1h0m0s", status.SweepInterval)
	assert.Equal(t, int64(0), status.Sweeps.Sweeps)
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t)
	ts.pending()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	ts.s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tinytxn_txn_txns_count")
}

func TestGetTxn(t *testing.T) {
	ts := newTestServer(t)
	id := ts.pending()

	var view recordView
	require.Equal(t, http.StatusOK, ts.do("GET", "/txns/"+id, &view))
	assert.Equal(t, id, view.ID)
	assert.Equal(t, "PENDING", view.State)
	require.Len(t, view.Requests, 1)
	assert.Equal(t, "r1", view.Requests[0].ID)
	assert.Equal(t, "PUT", view.Requests[0].Kind)
	assert.Equal(t, "T/a", view.Requests[0].Item)
	assert.True(t, view.Requests[0].Finalized)

	assert.Equal(t, http.StatusNotFound, ts.do("GET", "/txns/nope", nil))
}

func TestResumeAndRollbackTxn(t *testing.T) {
	ts := newTestServer(t)
	id := ts.pending()

	var res resultView
	require.Equal(t, http.StatusOK, ts.do("POST", "/txns/"+id+"/rollback", &res))
	assert.Equal(t, "ROLLED_BACK", res.State)
	assert.True(t, res.Completed)

	require.Equal(t, http.StatusOK, ts.do("POST", "/txns/"+id+"/resume", &res))
	assert.Equal(t, "ROLLED_BACK", res.State)

	item, err := ts.m.Get(ts.ctx, "T", "a")
	require.Nil(t, err)
	assert.Nil(t, item)

	assert.Equal(t, http.StatusNotFound, ts.do("POST", "/txns/nope/resume", nil))
}

func TestRollbackCommittedTxn(t *testing.T) {
	ts := newTestServer(t)
	id := ts.pending()
	_, err := ts.m.Commit(ts.ctx, id)
	require.Nil(t, err)
	assert.Equal(t, http.StatusConflict, ts.do("POST", "/txns/"+id+"/rollback", nil))
}

func TestSweep(t *testing.T) {
	ts := newTestServer(t)
	id := ts.pending()

	var res sweeper.Result
	require.Equal(t, http.StatusOK, ts.do("POST", "/sweep", &res))
	assert.Equal(t, sweeper.Result{StillPending: 1}, res)

	res = sweeper.Result{}
	require.Equal(t, http.StatusOK, ts.do("POST", "/sweep?age=0s", &res))
	assert.Equal(t, sweeper.Result{Swept: 1, RolledBack: 1}, res)
	var view recordView
	require.Equal(t, http.StatusOK, ts.do("GET", "/txns/"+id, &view))
	assert.Equal(t, "ROLLED_BACK", view.State)

	res = sweeper.Result{}
	require.Equal(t, http.StatusOK, ts.do("POST", "/sweep?age=0s", &res))
	assert.Equal(t, sweeper.Result{Deleted: 1}, res)
	assert.Equal(t, http.StatusNotFound, ts.do("GET", "/txns/"+id, nil))

	assert.Equal(t, http.StatusBadRequest, ts.do("POST", "/sweep?age=soon", nil))

	var status statusView
	require.Equal(t, http.StatusOK, ts.do("GET", "/status", &status))
	assert.Equal(t, int64(3), status.Sweeps.Sweeps)
	assert.Equal(t, int64(1), status.Sweeps.Swept)
	assert.Equal(t, int64(1), status.Sweeps.Deleted)
}

func TestCorruptTxn(t *testing.T) {
	ts := newTestServer(t)
	ts.mem.Set(ts.conf.TransactionsTable, "bad", storage.Item{record.AttrState: storage.S("?")})

	req := httptest.NewRequest("GET", "/txns/bad", nil)
	rec := httptest.NewRecorder()
	ts.s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "corrupt")

	assert.Equal(t, http.StatusUnprocessableEntity, ts.do("POST", "/txns/bad/resume", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, ts.do("POST", "/txns/bad/rollback", nil))
}
