package server

import (
	"net/http"
	"time"

	"github.com/docker/go-units"
	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/record"
	"github.com/pingcap/errors"
	"github.com/unrolled/render"
)

type requestView struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Item      string `json:"item"`
	Finalized bool   `json:"finalized"`
}

type recordView struct {
	ID              string         `json:"id"`
	State           string         `json:"state"`
	Version         int64          `json:"version"`
	LastModified    time.Time      `json:"last_modified"`
	Age             string         `json:"age"`
	CommitRequested bool           `json:"commit_requested"`
	Completed       bool           `json:"completed"`
	Requests        []*requestView `json:"requests"`
}

func newRecordView(rec *record.Record, now time.Time) *recordView {
	v := &recordView{
		ID:              rec.ID,
		State:           rec.State.String(),
		Version:         rec.Version,
		LastModified:    rec.LastModified,
		Age:             units.HumanDuration(rec.Age(now)),
		CommitRequested: rec.CommitRequested,
		Completed:       rec.Completed,
		Requests:        make([]*requestView, 0, len(rec.Requests)),
	}
	for _, req := range rec.Requests {
		v.Requests = append(v.Requests, &requestView{
			ID:        req.ID,
			Kind:      req.Kind.String(),
			Item:      req.Target().String(),
			Finalized: req.Finalized,
		})
	}
	return v
}

type resultView struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Completed bool   `json:"completed"`
}

func newResultView(res transaction.Result) *resultView {
	return &resultView{ID: res.TxID, State: res.State.String(), Completed: res.Completed}
}

type txnHandler struct {
	m  *transaction.Manager
	rd *render.Render
}

func newTxnHandler(m *transaction.Manager, rd *render.Render) *txnHandler {
	return &txnHandler{m: m, rd: rd}
}

func (h *txnHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.m.Record(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.rd.JSON(w, errorStatus(err), err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, newRecordView(rec, h.m.Now()))
}

// Resume drives the transaction to a final state, rolling it back unless its client asked to commit.
func (h *txnHandler) Resume(w http.ResponseWriter, r *http.Request) {
	res, err := h.m.Resume(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.rd.JSON(w, errorStatus(err), err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, newResultView(res))
}

func (h *txnHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	res, err := h.m.Rollback(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.rd.JSON(w, errorStatus(err), err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, newResultView(res))
}

// errorStatus maps a transaction error to an HTTP status code.
func errorStatus(err error) int {
	switch errors.Cause(err).(type) {
	case *transaction.ErrTransactionNotFound:
		return http.StatusNotFound
	case *transaction.ErrTransactionConflict, *transaction.ErrTransactionAlreadyComplete:
		return http.StatusConflict
	case *transaction.ErrInvalidRequest:
		return http.StatusBadRequest
	case *transaction.ErrStoreUnavailable:
		return http.StatusServiceUnavailable
	case *transaction.ErrCorruptRecord:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
