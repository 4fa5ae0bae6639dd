package server

import (
	"net/http"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/sweeper"
	"github.com/unrolled/render"
)

type sweepHandler struct {
	m      *transaction.Manager
	daemon *sweeper.Daemon
	rd     *render.Render
}

func newSweepHandler(m *transaction.Manager, daemon *sweeper.Daemon, rd *render.Render) *sweepHandler {
	return &sweepHandler{m: m, daemon: daemon, rd: rd}
}

// Post runs a sweep now. The optional age parameter, e.g. "30s", overrides the configured age threshold.
func (h *sweepHandler) Post(w http.ResponseWriter, r *http.Request) {
	age := h.m.Config().Sweep.AgeThreshold.Duration
	if s := r.URL.Query().Get("age"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			h.rd.JSON(w, http.StatusBadRequest, "invalid age "+s)
			return
		}
		age = d
	}
	res, err := h.daemon.SweepNow(r.Context(), age)
	if err != nil {
		h.rd.JSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, res)
}
