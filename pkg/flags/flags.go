// Package flags evaluates feature flags for one identity against a snapshot
// of the remote flag map that is cached for a fixed TTL.
//
// Every failure resolves to "disabled". Concurrent evaluations while a fetch
// is in flight wait for that fetch instead of starting their own; the
// evaluator never serves a stale snapshot while revalidating.
package flags

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wondertwin-ai/beacon/pkg/clock"
	"github.com/wondertwin-ai/beacon/pkg/observe"
)

// Defaults applied by New.
const (
	DefaultTTL          = 5 * time.Minute
	DefaultFetchTimeout = 5 * time.Second
)

// Fetcher retrieves flag state from the remote evaluation service.
// *api.Client implements it.
type Fetcher interface {
	EvaluateFlags(ctx context.Context, userID string) (map[string]bool, error)
	CheckFlag(ctx context.Context, flag, userID string) (bool, error)
}

// State is the lifecycle position of the cached snapshot.
type State int

const (
	StateEmpty State = iota
	StateFetching
	StateFresh
	StateStale
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateFetching:
		return "fetching"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	}
	return "unknown"
}

// Snapshot is the complete flag map captured by one fetch.
type Snapshot struct {
	Flags      map[string]bool `json:"flags"`
	CapturedAt time.Time       `json:"captured_at"`
}

func (s Snapshot) copyFlags() map[string]bool {
	out := make(map[string]bool, len(s.Flags))
	for k, v := range s.Flags {
		out[k] = v
	}
	return out
}

// Config configures an Evaluator.
type Config struct {
	Fetcher      Fetcher
	UserID       string
	TTL          time.Duration
	FetchTimeout time.Duration
	Clock        clock.Clock
	Observer     observe.Observer
	Logger       *slog.Logger
}

// Evaluator answers flag queries from a TTL-bounded snapshot.
type Evaluator struct {
	fetcher Fetcher
	ttl     time.Duration
	timeout time.Duration
	clock   clock.Clock
	obs     observe.Observer
	logger  *slog.Logger
	group   singleflight.Group

	mu       sync.RWMutex
	userID   string
	snap     *Snapshot
	stale    bool
	inFlight int
	// generation is bumped whenever the snapshot is invalidated for a new
	// identity so an in-flight fetch for the old identity is discarded.
	generation uint64
	// refreshes counts Refresh calls. A fetch that started before the
	// latest Refresh stores its result as stale.
	refreshes uint64
}

// New creates an Evaluator. Fetcher is required.
func New(cfg Config) *Evaluator {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Observer == nil {
		cfg.Observer = observe.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Evaluator{
		fetcher: cfg.Fetcher,
		userID:  cfg.UserID,
		ttl:     cfg.TTL,
		timeout: cfg.FetchTimeout,
		clock:   cfg.Clock,
		obs:     cfg.Observer,
		logger:  cfg.Logger,
	}
}

// State reports the current snapshot state.
func (e *Evaluator) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch {
	case e.inFlight > 0:
		return StateFetching
	case e.snap == nil:
		return StateEmpty
	case e.stale || e.clock.Now().Sub(e.snap.CapturedAt) >= e.ttl:
		return StateStale
	default:
		return StateFresh
	}
}

// IsEnabled reports whether flag is on for the current identity. Unknown
// flags and every failure yield false.
func (e *Evaluator) IsEnabled(ctx context.Context, flag string) bool {
	snap, ok := e.ensure(ctx)
	if !ok {
		return false
	}
	return snap.Flags[flag]
}

// CheckMultiple evaluates every name against one shared snapshot.
func (e *Evaluator) CheckMultiple(ctx context.Context, names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	snap, ok := e.ensure(ctx)
	for _, name := range names {
		out[name] = ok && snap.Flags[name]
	}
	return out
}

// All returns a copy of every flag in a fresh snapshot, fetching if needed.
// ok is false when evaluation failed.
func (e *Evaluator) All(ctx context.Context) (map[string]bool, bool) {
	snap, ok := e.ensure(ctx)
	if !ok {
		return nil, false
	}
	return snap.copyFlags(), true
}

// CheckLive asks the single-flag endpoint directly, bypassing and not
// updating the snapshot.
func (e *Evaluator) CheckLive(ctx context.Context, flag string) bool {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	on, err := e.fetcher.CheckFlag(ctx, flag, e.currentUser())
	if err != nil {
		e.obs.Failure(ctx, "flags", "check", err)
		return false
	}
	return on
}

// Snapshot returns a copy of the cached snapshot, fresh or not, without
// fetching. ok is false when nothing has been fetched yet.
func (e *Evaluator) Snapshot() (Snapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.snap == nil {
		return Snapshot{}, false
	}
	return Snapshot{Flags: e.snap.copyFlags(), CapturedAt: e.snap.CapturedAt}, true
}

// Refresh marks the snapshot stale so the next evaluation fetches, even
// when a fetch is already in flight.
func (e *Evaluator) Refresh() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshes++
	if e.snap != nil {
		e.stale = true
	}
}

// Clear drops the snapshot entirely.
func (e *Evaluator) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap = nil
	e.stale = false
	e.generation++
}

// SetUserID rebinds the evaluator to another identity and clears the
// snapshot, which belonged to the previous one.
func (e *Evaluator) SetUserID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userID = id
	e.snap = nil
	e.stale = false
	e.generation++
}

func (e *Evaluator) currentUser() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.userID
}

// fetchKey identifies the snapshot a fetch is for. Callers with equal keys
// share one request.
type fetchKey struct {
	generation uint64
	refreshes  uint64
	userID     string
}

func (k fetchKey) String() string {
	return strconv.FormatUint(k.generation, 10) + "/" + strconv.FormatUint(k.refreshes, 10)
}

// fresh returns the snapshot if it is still within its TTL.
func (e *Evaluator) fresh() (*Snapshot, fetchKey) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	key := fetchKey{generation: e.generation, refreshes: e.refreshes, userID: e.userID}
	if e.snap != nil && !e.stale && e.clock.Now().Sub(e.snap.CapturedAt) < e.ttl {
		return e.snap, key
	}
	return nil, key
}

// ensure returns a fresh snapshot, fetching one if needed. ok is false when
// no fresh snapshot could be obtained.
func (e *Evaluator) ensure(ctx context.Context) (*Snapshot, bool) {
	snap, key := e.fresh()
	if snap != nil {
		return snap, true
	}

	ch := e.group.DoChan(key.String(), func() (any, error) {
		return e.fetch(ctx, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			e.logger.Debug("flag snapshot unavailable", "user_id", key.userID, "err", res.Err)
			return nil, false
		}
		return res.Val.(*Snapshot), true
	case <-ctx.Done():
		e.obs.Failure(ctx, "flags", "evaluate", ctx.Err())
		return nil, false
	}
}

var errSuperseded = errors.New("flags: identity changed during fetch")

func (e *Evaluator) fetch(ctx context.Context, key fetchKey) (*Snapshot, error) {
	// A caller that raced a just-finished fetch finds its result here.
	if snap, k := e.fresh(); snap != nil && k == key {
		return snap, nil
	}

	e.mu.Lock()
	e.inFlight++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
	}()

	// The fetch is shared by every waiting caller, so it must not die with
	// the caller that happened to start it.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	e.obs.Count(fctx, observe.FlagFetches, 1)
	flags, err := e.fetcher.EvaluateFlags(fctx, key.userID)
	if err != nil {
		e.obs.Failure(fctx, "flags", "evaluate", err)
		return nil, err
	}

	snap := &Snapshot{Flags: flags, CapturedAt: e.clock.Now()}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != key.generation {
		return nil, errSuperseded
	}
	e.snap = snap
	e.stale = e.refreshes != key.refreshes
	return snap, nil
}
