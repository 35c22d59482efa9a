// Package config holds the engine's recognized options and loads them, along
// with infrastructure settings, from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConcurrencyStrategy selects how appends detect and resolve conflicts.
type ConcurrencyStrategy int

const (
	ExpectedVersion ConcurrencyStrategy = iota
	TimestampBased
	AutomaticRetry
	// LastWriteWins performs no conflict detection. It is never a default.
	LastWriteWins
)

var strategyNames = map[ConcurrencyStrategy]string{
	ExpectedVersion: "ExpectedVersion",
	TimestampBased:  "TimestampBased",
	AutomaticRetry:  "AutomaticRetry",
	LastWriteWins:   "LastWriteWins",
}

func (s ConcurrencyStrategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ConcurrencyStrategy(%d)", int(s))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ConcurrencyStrategy) UnmarshalText(text []byte) error {
	v, err := parseEnum(string(text), strategyNames)
	if err != nil {
		return fmt.Errorf("concurrency strategy: %w", err)
	}
	*s = v
	return nil
}

// CheckpointStorage selects where checkpoints are written relative to the
// read model.
type CheckpointStorage int

const (
	// SameDatabase saves the checkpoint in the read-model transaction.
	SameDatabase CheckpointStorage = iota
	// Separate saves the checkpoint after the read-model commit.
	Separate
)

var checkpointNames = map[CheckpointStorage]string{
	SameDatabase: "SameDatabase",
	Separate:     "Separate",
}

func (c CheckpointStorage) String() string {
	if name, ok := checkpointNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CheckpointStorage(%d)", int(c))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *CheckpointStorage) UnmarshalText(text []byte) error {
	v, err := parseEnum(string(text), checkpointNames)
	if err != nil {
		return fmt.Errorf("checkpoint storage: %w", err)
	}
	*c = v
	return nil
}

// RebuildMode selects how a projection is rebuilt.
type RebuildMode int

const (
	// AtomicSwap builds into a shadow store and swaps it in on completion.
	AtomicSwap RebuildMode = iota
	// InPlace clears the live store; readers see the rebuild in progress.
	InPlace
)

var rebuildNames = map[RebuildMode]string{
	AtomicSwap: "AtomicSwap",
	InPlace:    "InPlace",
}

func (m RebuildMode) String() string {
	if name, ok := rebuildNames[m]; ok {
		return name
	}
	return fmt.Sprintf("RebuildMode(%d)", int(m))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *RebuildMode) UnmarshalText(text []byte) error {
	v, err := parseEnum(string(text), rebuildNames)
	if err != nil {
		return fmt.Errorf("rebuild mode: %w", err)
	}
	*m = v
	return nil
}

// parseEnum matches names case-insensitively, ignoring '_' and '-'.
func parseEnum[T comparable](text string, names map[T]string) (T, error) {
	norm := func(s string) string {
		s = strings.ReplaceAll(s, "_", "")
		s = strings.ReplaceAll(s, "-", "")
		return strings.ToLower(strings.TrimSpace(s))
	}
	want := norm(text)
	for v, name := range names {
		if norm(name) == want {
			return v, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("unknown value %q", text)
}

// Options is the plain configuration structure consulted per stream type or
// projection.
type Options struct {
	ConcurrencyStrategy ConcurrencyStrategy `env:"CONCURRENCY_STRATEGY" envDefault:"ExpectedVersion"`
	// MaxRetries is the total number of append attempts under AutomaticRetry.
	MaxRetries      int           `env:"MAX_RETRIES"       envDefault:"3"`
	RetryBaseDelay  time.Duration `env:"RETRY_BASE_DELAY"  envDefault:"100ms"`
	RetryMaxDelay   time.Duration `env:"RETRY_MAX_DELAY"   envDefault:"1s"`
	RetryMultiplier float64       `env:"RETRY_MULTIPLIER"  envDefault:"2"`
	// RetryTimeout bounds a whole AutomaticRetry append. Zero means no bound
	// beyond the caller's context.
	RetryTimeout time.Duration `env:"RETRY_TIMEOUT" envDefault:"0s"`

	CheckpointStorage CheckpointStorage `env:"CHECKPOINT_STORAGE" envDefault:"SameDatabase"`
	RebuildMode       RebuildMode       `env:"REBUILD_MODE"       envDefault:"AtomicSwap"`

	SnapshotFrequency int `env:"SNAPSHOT_FREQUENCY" envDefault:"100"`
	SnapshotKeep      int `env:"SNAPSHOT_KEEP"      envDefault:"3"`

	BatchSize    int           `env:"BATCH_SIZE"    envDefault:"100"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"100ms"`
	// GapSettle is how long a projection waits for a missing global position
	// to commit before skipping it. Zero treats positions as gapless.
	GapSettle time.Duration `env:"GAP_SETTLE" envDefault:"0s"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		ConcurrencyStrategy: ExpectedVersion,
		MaxRetries:          3,
		RetryBaseDelay:      100 * time.Millisecond,
		RetryMaxDelay:       time.Second,
		RetryMultiplier:     2.0,
		CheckpointStorage:   SameDatabase,
		RebuildMode:         AtomicSwap,
		SnapshotFrequency:   100,
		SnapshotKeep:        3,
		BatchSize:           100,
		PollInterval:        100 * time.Millisecond,
	}
}

// Validate rejects values the engine cannot run with.
func (o Options) Validate() error {
	var errs []error
	if _, ok := strategyNames[o.ConcurrencyStrategy]; !ok {
		errs = append(errs, fmt.Errorf("unknown concurrency strategy %d", int(o.ConcurrencyStrategy)))
	}
	if _, ok := checkpointNames[o.CheckpointStorage]; !ok {
		errs = append(errs, fmt.Errorf("unknown checkpoint storage %d", int(o.CheckpointStorage)))
	}
	if _, ok := rebuildNames[o.RebuildMode]; !ok {
		errs = append(errs, fmt.Errorf("unknown rebuild mode %d", int(o.RebuildMode)))
	}
	if o.MaxRetries < 1 {
		errs = append(errs, errors.New("max retries must be at least 1"))
	}
	if o.RetryBaseDelay < 0 || o.RetryMaxDelay < 0 || o.RetryTimeout < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if o.RetryMaxDelay > 0 && o.RetryBaseDelay > o.RetryMaxDelay {
		errs = append(errs, errors.New("retry base delay exceeds max delay"))
	}
	if o.RetryMultiplier < 1 {
		errs = append(errs, errors.New("retry multiplier must be at least 1"))
	}
	if o.SnapshotFrequency < 0 || o.SnapshotKeep < 0 {
		errs = append(errs, errors.New("snapshot settings must not be negative"))
	}
	if o.BatchSize < 1 {
		errs = append(errs, errors.New("batch size must be at least 1"))
	}
	if o.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if o.GapSettle < 0 {
		errs = append(errs, errors.New("gap settle must not be negative"))
	}
	return errors.Join(errs...)
}
