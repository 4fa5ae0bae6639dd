package main

import (
	"encoding/json"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/server"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/sweeper"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func jsonIndent(v interface{}) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	return data, errors.Trace(err)
}

var statusAddr string

func newServeCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "serve",
		Short: "Run the sweep daemon and its admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(runServe)
		},
	}
	m.Flags().StringVar(&statusAddr, "status-addr", "", "admin API listen address")
	return m
}

func runServe(conf *config.Config, m *transaction.Manager) error {
	if statusAddr != "" {
		conf.StatusAddr = statusAddr
	}
	daemon := sweeper.NewDaemon(sweeper.New(m, conf.Sweep), conf.Sweep)
	daemon.Start()
	defer daemon.Stop()

	svr := server.NewServer(m, daemon)
	if err := svr.Start(conf.StatusAddr); err != nil {
		return err
	}
	<-globalContext.Done()
	log.Info("shutting down")
	return svr.Stop()
}

var sweepAge time.Duration

func newSweepCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "sweep",
		Short: "Resolve abandoned transactions once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(func(conf *config.Config, m *transaction.Manager) error {
				age := conf.Sweep.AgeThreshold.Duration
				if cmd.Flags().Changed("age") {
					age = sweepAge
				}
				start := time.Now()
				res, err := sweeper.New(m, conf.Sweep).Sweep(globalContext, age)
				if err != nil {
					return err
				}
				log.Info("sweep done", zap.Duration("takes", time.Since(start)))
				return printJSON(res)
			})
		},
	}
	m.Flags().DurationVar(&sweepAge, "age", 0, "only resolve records at least this old, defaults to the configured sweep age threshold")
	return m
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <txn-id>",
		Short: "Show a transaction record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(_ *config.Config, m *transaction.Manager) error {
				rec, err := m.Record(globalContext, args[0])
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <txn-id>",
		Short: "Drive a transaction to a final state and unlock its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(_ *config.Config, m *transaction.Manager) error {
				res, err := m.Resume(globalContext, args[0])
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func newRollbackCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <txn-id>",
		Short: "Roll back a pending transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(_ *config.Config, m *transaction.Manager) error {
				res, err := m.Rollback(globalContext, args[0])
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}
