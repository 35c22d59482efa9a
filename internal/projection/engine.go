// Package projection derives read models from the event log. Projections are
// pure functions from events to declarative Results; the Engine applies those
// Results to a read-model store and tracks progress with checkpoints.
package projection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/whizbang/internal/checkpoint"
	"github.com/example/whizbang/internal/config"
	"github.com/example/whizbang/internal/eventlog"
	"github.com/example/whizbang/internal/policy"
	"github.com/example/whizbang/internal/readmodel"
)

// Definition describes a projection.
type Definition struct {
	Name  string
	Store readmodel.Store
	// Collections lists the read-model collections the projection owns.
	// Rebuilds clear and replace only these. Empty claims the whole store,
	// which then cannot be shared with another projection.
	Collections []string
	Handlers    []Handler
	Types       TypeHierarchy
	// Options overrides the engine's policy for this projection.
	Options *config.Options
	// Checkpoints overrides the engine's checkpoint store. With SameDatabase
	// storage and no store configured, checkpoints are kept in Store.
	Checkpoints checkpoint.Store
}

// Hooks are observability callbacks. Nil hooks are skipped.
type Hooks struct {
	OnProjectionFailed   func(err *ApplyError)
	OnCheckpointAdvanced func(name string, position int64)
	OnRebuildProgress    func(name string, processed, total int64)
	OnStatusChanged      func(name string, from, to Status)
}

type projection struct {
	def           Definition
	table         dispatchTable
	opts          config.Options
	pctx          policy.Context
	checkpoints   checkpoint.Store
	txCheckpoints checkpoint.TxStore // set for SameDatabase

	work sync.Mutex // held while a batch or a rebuild runs
	gaps gapGuard   // guarded by work

	mu      sync.Mutex
	status  Status
	running bool
	lastErr error
}

// Engine runs registered projections against an event log.
type Engine struct {
	log         eventlog.Reader
	signal      eventlog.Signal
	checkpoints checkpoint.Store
	provider    policy.Provider
	pctx        policy.Context
	upcasters   *eventlog.Upcasters
	hooks       Hooks
	logger      zerolog.Logger
	now         func() time.Time

	mu          sync.RWMutex
	projections map[string]*projection
	order       []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithCheckpoints sets the default checkpoint store.
func WithCheckpoints(s checkpoint.Store) Option {
	return func(e *Engine) {
		e.checkpoints = s
	}
}

// WithProvider takes per-projection options from p.
func WithProvider(p policy.Provider) Option {
	return func(e *Engine) {
		e.provider = p
	}
}

// WithPolicy sets the base policy context handed to apply functions.
func WithPolicy(pctx policy.Context) Option {
	return func(e *Engine) {
		e.pctx = pctx
	}
}

// WithUpcasters migrates event payloads before they reach handlers.
func WithUpcasters(u *eventlog.Upcasters) Option {
	return func(e *Engine) {
		e.upcasters = u
	}
}

// WithHooks sets observability hooks.
func WithHooks(h Hooks) Option {
	return func(e *Engine) {
		e.hooks = h
	}
}

// WithSignal wakes workers when s fires, in addition to polling. Logs that
// implement eventlog.Signal are used automatically.
func WithSignal(s eventlog.Signal) Option {
	return func(e *Engine) {
		e.signal = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock overrides the clock used for gap settling.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an Engine reading from log.
func NewEngine(log eventlog.Reader, opts ...Option) *Engine {
	e := &Engine{
		log:         log,
		pctx:        policy.Background(),
		logger:      zerolog.Nop(),
		now:         time.Now,
		projections: make(map[string]*projection),
	}
	if s, ok := log.(eventlog.Signal); ok {
		e.signal = s
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds a projection. The dispatch table is resolved here, once.
func (e *Engine) Register(def Definition) error {
	if def.Name == "" {
		return errors.New("projection name is required")
	}
	if def.Store == nil {
		return fmt.Errorf("projection %s: read-model store is required", def.Name)
	}
	for _, collection := range def.Collections {
		if collection == "" || readmodel.Reserved(collection) {
			return fmt.Errorf("projection %s: invalid collection %q", def.Name, collection)
		}
	}
	table, err := buildTable(def.Handlers, def.Types)
	if err != nil {
		return fmt.Errorf("projection %s: %w", def.Name, err)
	}

	opts := e.pctx.Options()
	if e.provider != nil {
		opts = e.provider.ForProjection(def.Name)
	}
	if def.Options != nil {
		opts = *def.Options
	}
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("projection %s: %w", def.Name, err)
	}

	p := &projection{
		def:   def,
		table: table,
		opts:  opts,
		pctx:  e.pctx.WithOptions(opts).WithTag("projection", def.Name),
		gaps:  gapGuard{settle: opts.GapSettle},
	}
	p.checkpoints = def.Checkpoints
	if p.checkpoints == nil {
		p.checkpoints = e.checkpoints
	}
	switch opts.CheckpointStorage {
	case config.SameDatabase:
		if p.checkpoints == nil {
			p.checkpoints = checkpoint.InReadModel(def.Store)
		}
		txs, ok := p.checkpoints.(checkpoint.TxStore)
		if !ok {
			return fmt.Errorf("projection %s: checkpoint store %T cannot join read-model transactions", def.Name, p.checkpoints)
		}
		p.txCheckpoints = txs
	case config.Separate:
		if p.checkpoints == nil {
			return fmt.Errorf("projection %s: separate checkpoint storage requires a checkpoint store", def.Name)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.projections[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, def.Name)
	}
	for _, other := range e.projections {
		if other.def.Store == def.Store && overlaps(other.def.Collections, def.Collections) {
			return fmt.Errorf("%w: %s and %s", ErrStoreShared, other.def.Name, def.Name)
		}
	}
	e.projections[def.Name] = p
	e.order = append(e.order, def.Name)
	return nil
}

func overlaps(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	return slices.ContainsFunc(a, func(c string) bool { return slices.Contains(b, c) })
}

// Names returns the registered projections in registration order.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.order)
}

// Process invokes every handler of name matching evt and returns their
// combined Result. Nothing is written.
func (e *Engine) Process(pctx policy.Context, name string, evt eventlog.Event) (Result, error) {
	p, err := e.lookup(name)
	if err != nil {
		return nil, err
	}
	evt, err = e.upcasters.Upcast(evt)
	if err != nil {
		return nil, err
	}
	return e.process(pctx, p, evt)
}

func (e *Engine) process(pctx policy.Context, p *projection, evt eventlog.Event) (Result, error) {
	entries := p.table[evt.Type]
	if len(entries) == 0 {
		return None{}, nil
	}
	lineage := p.def.Types.Lineage(evt.Type)
	results := make([]Result, 0, len(entries))
	for _, en := range entries {
		r, err := en.handler.Apply(pctx, evt, Match{Type: en.handler.Type, Lineage: lineage})
		if err != nil {
			return nil, fmt.Errorf("%s handler: %w", en.handler.Type, err)
		}
		results = append(results, r)
	}
	return Combine(results...), nil
}

// AdvanceCheckpoint records that name has applied every event up to position.
// It never moves the checkpoint backward.
func (e *Engine) AdvanceCheckpoint(ctx context.Context, name string, position int64) error {
	p, err := e.lookup(name)
	if err != nil {
		return err
	}
	if err := p.checkpoints.Save(ctx, name, position); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	e.checkpointAdvanced(name, position)
	return nil
}

// Checkpoint returns the position name has processed up to.
func (e *Engine) Checkpoint(ctx context.Context, name string) (int64, error) {
	p, err := e.lookup(name)
	if err != nil {
		return 0, err
	}
	cp, _, err := p.checkpoints.Get(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("get checkpoint %s: %w", name, err)
	}
	return cp.Position, nil
}

// Status returns the lifecycle state of name.
func (e *Engine) Status(name string) (Status, error) {
	p, err := e.lookup(name)
	if err != nil {
		return Stopped, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, nil
}

// LastError returns the error that moved name to Failed.
func (e *Engine) LastError(name string) error {
	p, err := e.lookup(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Restart moves a Failed projection back to Stopped so it can be run again.
// Processing resumes at the failing event.
func (e *Engine) Restart(name string) error {
	p, err := e.lookup(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.status != Failed {
		p.mu.Unlock()
		return nil
	}
	p.lastErr = nil
	p.mu.Unlock()
	e.transition(p, Stopped)
	return nil
}

func (e *Engine) lookup(name string) (*projection, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.projections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}
	return p, nil
}

func (e *Engine) transition(p *projection, to Status) {
	p.mu.Lock()
	from := p.status
	p.status = to
	p.mu.Unlock()
	if from == to {
		return
	}
	e.logger.Debug().
		Str("projection", p.def.Name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("projection status changed")
	if e.hooks.OnStatusChanged != nil {
		e.hooks.OnStatusChanged(p.def.Name, from, to)
	}
}

func (e *Engine) fail(p *projection, err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	e.transition(p, Failed)

	e.logger.Error().
		Err(err).
		Str("projection", p.def.Name).
		Msg("projection failed")
	var applyErr *ApplyError
	if errors.As(err, &applyErr) && e.hooks.OnProjectionFailed != nil {
		e.hooks.OnProjectionFailed(applyErr)
	}
}

func (e *Engine) checkpointAdvanced(name string, position int64) {
	if e.hooks.OnCheckpointAdvanced != nil {
		e.hooks.OnCheckpointAdvanced(name, position)
	}
}

// Handles reports whether name has a handler for eventType.
func (e *Engine) Handles(name, eventType string) bool {
	p, err := e.lookup(name)
	if err != nil {
		return false
	}
	return p.table.Handles(eventType)
}
