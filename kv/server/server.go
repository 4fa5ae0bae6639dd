package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/sweeper"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"go.uber.org/zap"
)

// Server is the admin HTTP surface of a sweep daemon. It lets an operator inspect, resume and roll back single
// transactions, trigger a sweep, and scrape metrics.
type Server struct {
	m      *transaction.Manager
	daemon *sweeper.Daemon
	rd     *render.Render
	router *mux.Router

	httpServer *http.Server
}

func NewServer(m *transaction.Manager, daemon *sweeper.Daemon) *Server {
	s := &Server{
		m:      m,
		daemon: daemon,
		rd: render.New(render.Options{
			IndentJSON: true,
		}),
	}
	s.router = s.createRouter()
	return s
}

func (s *Server) createRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/status", s.Status).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	txnHandler := newTxnHandler(s.m, s.rd)
	router.HandleFunc("/txns/{id}", txnHandler.Get).Methods("GET")
	router.HandleFunc("/txns/{id}/resume", txnHandler.Resume).Methods("POST")
	router.HandleFunc("/txns/{id}/rollback", txnHandler.Rollback).Methods("POST")

	sweepHandler := newSweepHandler(s.m, s.daemon, s.rd)
	router.HandleFunc("/sweep", sweepHandler.Post).Methods("POST")
	return router
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "listen on %s", addr)
	}
	s.httpServer = &http.Server{Handler: s.router}
	go func() {
		if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Error("admin server stopped", zap.Error(err))
		}
	}()
	log.Info("admin server started", zap.String("addr", l.Addr().String()))
	return nil
}

func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Trace(s.httpServer.Shutdown(ctx))
}

type statusView struct {
	StaleTxnThreshold string        `json:"stale_txn_threshold"`
	SweepInterval     string        `json:"sweep_interval"`
	SweepAgeThreshold string        `json:"sweep_age_threshold"`
	Sweeps            sweeper.Stats `json:"sweeps"`
}

// Status reports the configuration that governs recovery and the totals of the sweeps run so far.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	conf := s.m.Config()
	s.rd.JSON(w, http.StatusOK, statusView{
		StaleTxnThreshold: conf.StaleTxnThreshold.String(),
		SweepInterval:     conf.Sweep.Interval.String(),
		SweepAgeThreshold: conf.Sweep.AgeThreshold.String(),
		Sweeps:            s.daemon.Stats(),
	})
}
