// Package config holds the settings a node reads at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is read-only once a node is built.
type Config struct {
	// DeadlockDetection turns pairwise deadlock detection on.
	DeadlockDetection bool `json:"deadlock_detection"`
	// LockAcquisitionTimeout bounds every lock wait.
	LockAcquisitionTimeout time.Duration `json:"lock_acquisition_timeout"`
	// SpinDuration is how long a waiter blocks between deadlock checks.
	SpinDuration time.Duration `json:"spin_duration"`
	// SyncCommitPhase makes Commit wait for peer acknowledgements.
	SyncCommitPhase bool `json:"sync_commit_phase"`
	// SyncRollbackPhase makes Rollback wait for peer acknowledgements.
	SyncRollbackPhase bool `json:"sync_rollback_phase"`
	UseLockStriping   bool `json:"use_lock_striping"`
	// ConcurrencyLevel is the stripe count when striping is on.
	ConcurrencyLevel int `json:"concurrency_level"`
	// CommitTimeout bounds the wait for acknowledgements.
	CommitTimeout time.Duration `json:"commit_timeout"`
	// RemoteTxTimeout is the idle time after which a remote transaction is
	// considered orphaned.
	RemoteTxTimeout time.Duration `json:"remote_tx_timeout"`
	// TombstoneTTL is how long finished remote transactions are remembered.
	TombstoneTTL time.Duration `json:"tombstone_ttl"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		DeadlockDetection:      true,
		LockAcquisitionTimeout: 10 * time.Second,
		SpinDuration:           100 * time.Millisecond,
		ConcurrencyLevel:       32,
		CommitTimeout:          10 * time.Second,
		RemoteTxTimeout:        time.Minute,
		TombstoneTTL:           time.Minute,
	}
}

// Option modifies a Config.
type Option func(*Config)

// New returns Default with opts applied.
func New(opts ...Option) Config {
	c := Default()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func WithDeadlockDetection(on bool) Option {
	return func(c *Config) { c.DeadlockDetection = on }
}

func WithLockAcquisitionTimeout(d time.Duration) Option {
	return func(c *Config) { c.LockAcquisitionTimeout = d }
}

func WithSpinDuration(d time.Duration) Option {
	return func(c *Config) { c.SpinDuration = d }
}

// WithSyncCommitPhase sets both the commit and rollback phases.
func WithSyncCommitPhase(commit, rollback bool) Option {
	return func(c *Config) {
		c.SyncCommitPhase = commit
		c.SyncRollbackPhase = rollback
	}
}

// WithLockStriping enables striping with n stripes.
func WithLockStriping(n int) Option {
	return func(c *Config) {
		c.UseLockStriping = true
		c.ConcurrencyLevel = n
	}
}

func WithCommitTimeout(d time.Duration) Option {
	return func(c *Config) { c.CommitTimeout = d }
}

func WithRemoteTxTimeout(d time.Duration) Option {
	return func(c *Config) { c.RemoteTxTimeout = d }
}

func WithTombstoneTTL(d time.Duration) Option {
	return func(c *Config) { c.TombstoneTTL = d }
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be positive, got %s", name, d))
		}
	}
	positive("lock acquisition timeout", c.LockAcquisitionTimeout)
	positive("spin duration", c.SpinDuration)
	positive("commit timeout", c.CommitTimeout)
	positive("remote tx timeout", c.RemoteTxTimeout)
	positive("tombstone ttl", c.TombstoneTTL)
	if c.UseLockStriping && c.ConcurrencyLevel <= 0 {
		errs = append(errs, fmt.Errorf("config: concurrency level must be positive, got %d", c.ConcurrencyLevel))
	}
	return errors.Join(errs...)
}

// FromEnv overlays variables named prefix + field on base, e.g.
// WARPTX_LOCK_ACQUISITION_TIMEOUT=2s. Unset variables keep base values.
func FromEnv(prefix string, base Config) (Config, error) {
	c := base
	var errs []error
	boolVar := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(prefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", prefix, name, err))
				return
			}
			*dst = b
		}
	}
	durVar := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(prefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", prefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolVar("DEADLOCK_DETECTION", &c.DeadlockDetection)
	durVar("LOCK_ACQUISITION_TIMEOUT", &c.LockAcquisitionTimeout)
	durVar("SPIN_DURATION", &c.SpinDuration)
	boolVar("SYNC_COMMIT_PHASE", &c.SyncCommitPhase)
	boolVar("SYNC_ROLLBACK_PHASE", &c.SyncRollbackPhase)
	boolVar("USE_LOCK_STRIPING", &c.UseLockStriping)
	if v, ok := os.LookupEnv(prefix + "CONCURRENCY_LEVEL"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %sCONCURRENCY_LEVEL: %w", prefix, err))
		} else {
			c.ConcurrencyLevel = n
		}
	}
	durVar("COMMIT_TIMEOUT", &c.CommitTimeout)
	durVar("REMOTE_TX_TIMEOUT", &c.RemoteTxTimeout)
	durVar("TOMBSTONE_TTL", &c.TombstoneTTL)
	if err := errors.Join(errs...); err != nil {
		return base, err
	}
	return c, nil
}
