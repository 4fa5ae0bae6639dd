package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/lock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Engines the transaction layer can run on.
const (
	EngineMemory   = "memory"
	EngineBadger   = "badger"
	EngineLevelDB  = "leveldb"
	EngineDynamoDB = "dynamodb"
)

type Config struct {
	// StaleTxnThreshold is how long a PENDING transaction may go without touching its record before other
	// clients treat it as abandoned and roll it back. There is no universally right value: it must be longer
	// than the slowest step a live client takes between two record updates.
	StaleTxnThreshold Duration `toml:"stale-txn-threshold"`

	// MaxCASAttempts bounds how many times one protocol step re-reads and retries after losing a conditional
	// write race before it gives up with a conflict.
	MaxCASAttempts int `toml:"max-cas-attempts"`

	TransactionsTable string `toml:"transactions-table"`
	ImagesTable       string `toml:"images-table"`

	Retry   RetryConfig   `toml:"retry"`
	Sweep   SweepConfig   `toml:"sweep"`
	Storage StorageConfig `toml:"storage"`

	// StatusAddr is where the sweep daemon serves its admin API and metrics.
	StatusAddr string `toml:"status-addr"`

	Log log.Config `toml:"log"`
}

// RetryConfig is the caller-level policy used by transaction.Run.
type RetryConfig struct {
	MaxAttempts    int      `toml:"max-attempts"`
	InitialBackoff Duration `toml:"initial-backoff"`
	MaxBackoff     Duration `toml:"max-backoff"`
}

type SweepConfig struct {
	// Interval between two sweeps of the daemon.
	Interval Duration `toml:"interval"`
	// AgeThreshold is the minimum age of a record before a sweep touches it.
	AgeThreshold Duration `toml:"age-threshold"`
	// Rate limits how many records per second one sweep resolves. Zero means unlimited.
	Rate float64 `toml:"rate"`
	// Workers is the number of records resolved concurrently within one sweep.
	Workers int `toml:"workers"`
}

type StorageConfig struct {
	Engine string `toml:"engine"`
	// DBPath is the directory of the badger or leveldb engine. Should exist and be writable.
	DBPath   string         `toml:"db-path"`
	DynamoDB DynamoDBConfig `toml:"dynamodb"`
}

type DynamoDBConfig struct {
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"`
	// KeyAttribute is the name of the hash key attribute of every table. It must carry the reserved attribute
	// prefix so no user attribute can shadow it.
	KeyAttribute string `toml:"key-attribute"`
	// ConsistentRead must stay on for the protocol to be correct; it is only configurable for local emulators
	// that reject it.
	ConsistentRead bool `toml:"consistent-read"`
}

// Duration is a time.Duration which can be written as a string in TOML, e.g. "10s".
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

// UnmarshalText parses a duration string such as "300ms" or "1m".
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.WithStack(err)
}

// MarshalText returns the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

const (
	defaultStaleTxnThreshold = 10 * time.Second
	defaultMaxCASAttempts    = 8
	defaultTransactionsTable = "Transactions"
	defaultImagesTable       = "TransactionImages"

	defaultRetryMaxAttempts    = 5
	defaultRetryInitialBackoff = 20 * time.Millisecond
	defaultRetryMaxBackoff     = time.Second

	defaultSweepInterval = 30 * time.Second
	defaultSweepWorkers  = 4

	defaultStatusAddr   = "127.0.0.1:20180"
	defaultKeyAttribute = "_TxK"
)

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

// Adjust fills every unset field with its default.
func (c *Config) Adjust() {
	adjustDuration(&c.StaleTxnThreshold, defaultStaleTxnThreshold)
	adjustInt(&c.MaxCASAttempts, defaultMaxCASAttempts)
	adjustString(&c.TransactionsTable, defaultTransactionsTable)
	adjustString(&c.ImagesTable, defaultImagesTable)

	adjustInt(&c.Retry.MaxAttempts, defaultRetryMaxAttempts)
	adjustDuration(&c.Retry.InitialBackoff, defaultRetryInitialBackoff)
	adjustDuration(&c.Retry.MaxBackoff, defaultRetryMaxBackoff)

	adjustDuration(&c.Sweep.Interval, defaultSweepInterval)
	// A record must look abandoned to every client before the sweeper may act on it.
	adjustDuration(&c.Sweep.AgeThreshold, c.StaleTxnThreshold.Duration)
	adjustInt(&c.Sweep.Workers, defaultSweepWorkers)

	adjustString(&c.Storage.Engine, EngineMemory)
	adjustString(&c.Storage.DBPath, "/tmp/tinytxn")
	adjustString(&c.Storage.DynamoDB.KeyAttribute, defaultKeyAttribute)

	adjustString(&c.StatusAddr, defaultStatusAddr)
	adjustString(&c.Log.Level, getLogLevel())
}

func (c *Config) Validate() error {
	if c.StaleTxnThreshold.Duration <= 0 {
		return fmt.Errorf("stale-txn-threshold must be positive")
	}
	if c.MaxCASAttempts <= 0 {
		return fmt.Errorf("max-cas-attempts must be positive")
	}
	if c.TransactionsTable == c.ImagesTable {
		return fmt.Errorf("transactions-table and images-table must differ, both are %q", c.ImagesTable)
	}
	if c.Retry.MaxBackoff.Duration < c.Retry.InitialBackoff.Duration {
		return fmt.Errorf("retry max-backoff %v is below initial-backoff %v", c.Retry.MaxBackoff, c.Retry.InitialBackoff)
	}
	if c.Sweep.AgeThreshold.Duration < c.StaleTxnThreshold.Duration {
		log.Warn("sweep age threshold is below the stale transaction threshold, the sweeper may roll back live transactions",
			zap.Duration("age-threshold", c.Sweep.AgeThreshold.Duration),
			zap.Duration("stale-txn-threshold", c.StaleTxnThreshold.Duration))
	}
	if c.Sweep.Rate < 0 {
		return fmt.Errorf("sweep rate must not be negative")
	}
	switch c.Storage.Engine {
	case EngineMemory, EngineBadger, EngineLevelDB:
	case EngineDynamoDB:
		if !lock.IsReserved(c.Storage.DynamoDB.KeyAttribute) {
			return fmt.Errorf("dynamodb key-attribute %q must start with %q", c.Storage.DynamoDB.KeyAttribute, lock.ReservedPrefix)
		}
		if !c.Storage.DynamoDB.ConsistentRead {
			log.Warn("dynamodb consistent reads are disabled, transactions are not safe")
		}
	default:
		return fmt.Errorf("unknown storage engine %q", c.Storage.Engine)
	}
	return nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	c := &Config{}
	c.Storage.DynamoDB.ConsistentRead = true
	c.Adjust()
	return c
}

func NewTestConfig() *Config {
	c := &Config{
		StaleTxnThreshold: NewDuration(200 * time.Millisecond),
		MaxCASAttempts:    4,
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: NewDuration(time.Millisecond),
			MaxBackoff:     NewDuration(5 * time.Millisecond),
		},
		Sweep: SweepConfig{
			Interval: NewDuration(50 * time.Millisecond),
			Workers:  2,
		},
	}
	c.Storage.DynamoDB.ConsistentRead = true
	c.Adjust()
	return c
}

// LoadConfig reads a TOML file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	c := &Config{}
	c.Storage.DynamoDB.ConsistentRead = true
	if path != "" {
		meta, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, errors.Annotatef(err, "load config %s", path)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			log.Warn("config contains unknown keys", zap.Stringer("keys", keys(undecoded)))
		}
	}
	c.Adjust()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

type keys []toml.Key

func (ks keys) String() string {
	return fmt.Sprint([]toml.Key(ks))
}

// InitLogger replaces the global pingcap/log logger with one built from c.Log.
func (c *Config) InitLogger() error {
	lg, props, err := log.InitLogger(&c.Log)
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(lg, props)
	return nil
}
