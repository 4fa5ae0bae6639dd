package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/storage/badger_storage"
	"github.com/pingcap-incubator/tinytxn/kv/storage/dynamo_storage"
	"github.com/pingcap-incubator/tinytxn/kv/storage/leveldb_storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	configPath string
	engine     string
	dbPath     string

	globalContext context.Context
	globalCancel  context.CancelFunc
)

func main() {
	globalContext, globalCancel = context.WithCancel(context.Background())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sc
		log.Info("got signal to exit", zap.Stringer("signal", sig))
		globalCancel()
	}()

	rootCmd := &cobra.Command{
		Use:   "txnctl",
		Short: "Inspect and recover multi-item transactions",
	}
	addStorageFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newServeCommand(),
		newSweepCommand(),
		newStatusCommand(),
		newResumeCommand(),
		newRollbackCommand(),
	)

	cobra.EnablePrefixMatching = true

	err := rootCmd.Execute()
	globalCancel()
	if err != nil {
		os.Exit(1)
	}
}

func addStorageFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&configPath, "config", "c", "", "config file path")
	fs.StringVar(&engine, "engine", "", "storage engine: memory, badger, leveldb or dynamodb")
	fs.StringVar(&dbPath, "db-path", "", "directory of the badger or leveldb engine")
}

func loadConfig() (*config.Config, error) {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if engine != "" {
		conf.Storage.Engine = engine
	}
	if dbPath != "" {
		conf.Storage.DBPath = dbPath
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if err := conf.InitLogger(); err != nil {
		return nil, err
	}
	return conf, nil
}

func newStorage(conf *config.Config) (storage.Storage, error) {
	switch conf.Storage.Engine {
	case config.EngineMemory:
		return storage.NewMemStorage(), nil
	case config.EngineBadger:
		return badger_storage.NewBadgerStorage(conf), nil
	case config.EngineLevelDB:
		return leveldb_storage.NewLeveldbStorage(conf), nil
	case config.EngineDynamoDB:
		return dynamo_storage.NewDynamoStorage(conf), nil
	}
	return nil, errors.Errorf("unknown storage engine %q", conf.Storage.Engine)
}

// withManager opens the configured store, runs fn with a Manager on it, and closes the store.
func withManager(fn func(conf *config.Config, m *transaction.Manager) error) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := newStorage(conf)
	if err != nil {
		return err
	}
	if err := st.Start(); err != nil {
		return err
	}
	defer func() {
		if err := st.Stop(); err != nil {
			log.Warn("stop storage failed", zap.Error(err))
		}
	}()
	log.Info("storage started", zap.String("engine", conf.Storage.Engine))
	return fn(conf, transaction.NewManager(st, conf))
}

func printJSON(v interface{}) error {
	data, err := jsonIndent(v)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
