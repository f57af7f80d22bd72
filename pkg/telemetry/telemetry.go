// Package telemetry batches application events and delivers them to the
// ingestion endpoint at least once.
//
// Track appends to an in-memory queue and re-arms a debounce timer; when the
// timer fires the whole queue is sent as one batch. A batch that fails is
// appended to a capped retry queue in durable storage, which is resent as
// one batch when the client starts and on every retry interval after that.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wondertwin-ai/beacon/pkg/api"
	"github.com/wondertwin-ai/beacon/pkg/clock"
	"github.com/wondertwin-ai/beacon/pkg/kv"
	"github.com/wondertwin-ai/beacon/pkg/observe"
)

// Event is a single telemetry record.
type Event = api.Event

// Sender delivers one batch. *api.Client and *kafkasink.Sink implement it.
type Sender interface {
	SendEvents(ctx context.Context, events []Event) error
}

// Defaults applied by New.
const (
	DefaultDebounceWindow = time.Second
	DefaultRetryInterval  = 60 * time.Second
	DefaultRetryQueueMax  = 100
	DefaultSendTimeout    = 10 * time.Second
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Config configures a Client. Sender and Store are required.
type Config struct {
	Sender         Sender
	Store          kv.Store
	UserID         string
	Page           string
	DebounceWindow time.Duration
	RetryInterval  time.Duration
	RetryQueueMax  int
	SendTimeout    time.Duration
	Clock          clock.Clock
	Observer       observe.Observer
	Logger         *slog.Logger
	// NewID mints event ids. Defaults to random UUIDs.
	NewID func() string
}

// Client records events and owns both the in-memory and the durable queue.
type Client struct {
	sender   Sender
	store    kv.Store
	debounce time.Duration
	interval time.Duration
	max      int
	timeout  time.Duration
	clock    clock.Clock
	obs      observe.Observer
	logger   *slog.Logger
	newID    func() string

	mu         sync.Mutex
	queue      []Event
	timer      clock.Timer
	retryTimer clock.Timer
	userID     string
	page       string
	closed     bool

	// storeMu serializes read-modify-write of the durable queue.
	storeMu  sync.Mutex
	retrying atomic.Bool
}

// New creates a Client and schedules an immediate retry of whatever the
// durable queue holds from a previous run.
func New(cfg Config) *Client {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.RetryQueueMax <= 0 {
		cfg.RetryQueueMax = DefaultRetryQueueMax
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
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
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	c := &Client{
		sender:   cfg.Sender,
		store:    cfg.Store,
		debounce: cfg.DebounceWindow,
		interval: cfg.RetryInterval,
		max:      cfg.RetryQueueMax,
		timeout:  cfg.SendTimeout,
		clock:    cfg.Clock,
		obs:      cfg.Observer,
		logger:   cfg.Logger,
		newID:    cfg.NewID,
		userID:   cfg.UserID,
		page:     cfg.Page,
	}
	c.retryTimer = c.clock.AfterFunc(0, c.retryTick)
	return c
}

// SetUserID changes the identity attached to events tracked from now on.
// Queued and persisted events keep the identity they were created with.
func (c *Client) SetUserID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = id
}

// SetPage changes the page path attached to events tracked from now on.
func (c *Client) SetPage(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.page = path
}

// Track queues an event and restarts the debounce timer. It never blocks on
// I/O. Events tracked after Close are dropped.
func (c *Client) Track(eventType, feature string, metadata map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.obs.Count(context.Background(), observe.EventsDropped, 1)
		return
	}

	c.queue = append(c.queue, Event{
		ID:        c.newID(),
		Type:      eventType,
		Feature:   feature,
		Metadata:  copyMetadata(metadata),
		UserID:    c.userID,
		Timestamp: c.clock.Now().UTC().Format(timestampLayout),
		Page:      c.page,
	})

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.clock.AfterFunc(c.debounce, c.onDebounce)
}

func (c *Client) onDebounce() {
	c.Flush(context.Background())
}

// Flush drains the in-memory queue and sends it now, without waiting for
// the debounce timer. A failed send moves the batch to the durable queue.
func (c *Client) Flush(ctx context.Context) {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	batch := c.queue
	c.queue = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.sender.SendEvents(sctx, batch); err != nil {
		c.obs.Failure(ctx, "telemetry", "flush", err)
		c.persist(ctx, batch)
		return
	}
	c.obs.Count(ctx, observe.EventsSent, int64(len(batch)))
	c.logger.Debug("telemetry batch sent", "events", len(batch))
}

// Queued returns the number of events waiting in memory.
func (c *Client) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close stops both timers and flushes whatever is queued.
func (c *Client) Close(ctx context.Context) {
	c.mu.Lock()
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.mu.Unlock()

	c.Flush(ctx)
}

func (c *Client) retryTick() {
	c.RetryPending(context.Background())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.retryTimer = c.clock.AfterFunc(c.interval, c.retryTick)
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
