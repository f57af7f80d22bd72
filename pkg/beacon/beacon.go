// Package beacon wires identity, feature flags, and telemetry into one
// client from a single Config.
//
//	sdk, err := beacon.New(ctx, cfg)
//	if err != nil { ... }
//	defer sdk.Close(ctx)
//
//	if sdk.Flags.IsEnabled(ctx, "new_checkout") { ... }
//	sdk.Telemetry.Track("click", "checkout", map[string]any{"step": 2})
package beacon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/metric"

	"github.com/wondertwin-ai/beacon/pkg/api"
	"github.com/wondertwin-ai/beacon/pkg/clock"
	"github.com/wondertwin-ai/beacon/pkg/flags"
	"github.com/wondertwin-ai/beacon/pkg/identity"
	"github.com/wondertwin-ai/beacon/pkg/kafkasink"
	"github.com/wondertwin-ai/beacon/pkg/kv"
	"github.com/wondertwin-ai/beacon/pkg/observe"
	"github.com/wondertwin-ai/beacon/pkg/telemetry"
)

// Client is the assembled SDK. The exported components can be used
// directly; Client only coordinates identity changes and shutdown.
type Client struct {
	Identity  *identity.Store
	Flags     *flags.Evaluator
	Telemetry *telemetry.Client
	API       *api.Client

	store   kv.Store
	obs     observe.Observer
	closers []io.Closer
}

type options struct {
	logger     *slog.Logger
	observer   observe.Observer
	meter      metric.MeterProvider
	clock      clock.Clock
	store      kv.Store
	httpClient *http.Client
	sender     telemetry.Sender
}

// Option customizes New.
type Option func(*options)

// WithLogger sets the logger used by every component.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithObserver replaces the default slog + OpenTelemetry observer.
func WithObserver(obs observe.Observer) Option { return func(o *options) { o.observer = obs } }

// WithMeterProvider sets the provider for the default observer's counters.
func WithMeterProvider(mp metric.MeterProvider) Option { return func(o *options) { o.meter = mp } }

// WithClock injects a clock, usually a *clock.Manual in tests.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithStore uses s instead of opening Config.Storage.
func WithStore(s kv.Store) Option { return func(o *options) { o.store = s } }

// WithHTTPClient replaces the API client's HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(o *options) { o.httpClient = hc } }

// WithSender routes telemetry through s instead of the API or Kafka.
func WithSender(s telemetry.Sender) Option { return func(o *options) { o.sender = s } }

// New assembles a Client. It only fails on invalid configuration; a store
// that cannot be opened is reported and replaced by an in-memory one.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.observer == nil {
		o.observer = observe.New(o.logger, o.meter)
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}

	c := &Client{obs: o.observer}

	c.store = o.store
	if c.store == nil {
		s, closer, err := OpenStore(ctx, cfg.Storage)
		if err != nil {
			o.observer.Failure(ctx, "beacon", "open_store", err)
			s, closer = kv.NewMemory(), nopCloser{}
		}
		c.store = s
		c.closers = append(c.closers, closer)
	}

	apiOpts := []api.Option{api.WithAPIKey(cfg.APIKey)}
	if o.httpClient != nil {
		apiOpts = append(apiOpts, api.WithHTTPClient(o.httpClient))
	} else if cfg.RequestTimeout > 0 {
		apiOpts = append(apiOpts, api.WithTimeout(cfg.RequestTimeout))
	}
	c.API = api.New(cfg.BaseURL, apiOpts...)

	sender := o.sender
	if sender == nil && cfg.Kafka != nil {
		sink, err := kafkasink.New(kafkasink.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Clock:   o.clock,
		})
		if err != nil {
			return nil, err
		}
		sender = sink
		c.closers = append(c.closers, sink)
	}
	if sender == nil {
		sender = c.API
	}

	c.Identity = identity.New(c.store, o.observer)
	userID := c.Identity.ID(ctx)

	c.Flags = flags.New(flags.Config{
		Fetcher:      c.API,
		UserID:       userID,
		TTL:          cfg.FlagTTL,
		FetchTimeout: cfg.FetchTimeout,
		Clock:        o.clock,
		Observer:     o.observer,
		Logger:       o.logger.With("component", "flags"),
	})
	c.Telemetry = telemetry.New(telemetry.Config{
		Sender:         sender,
		Store:          c.store,
		UserID:         userID,
		Page:           cfg.Page,
		DebounceWindow: cfg.DebounceWindow,
		RetryInterval:  cfg.RetryInterval,
		RetryQueueMax:  cfg.RetryQueueMax,
		SendTimeout:    cfg.RequestTimeout,
		Clock:          o.clock,
		Observer:       o.observer,
		Logger:         o.logger.With("component", "telemetry"),
	})
	return c, nil
}

// UserID returns the identity currently attached to flags and events.
func (c *Client) UserID(ctx context.Context) string {
	return c.Identity.ID(ctx)
}

// SetUserID rebinds flags and telemetry to id, for example after login.
// The flag snapshot is discarded; queued events keep their old identity.
func (c *Client) SetUserID(id string) {
	c.Flags.SetUserID(id)
	c.Telemetry.SetUserID(id)
}

// ResetIdentity forgets the persisted identity, mints a new one, and
// rebinds both components to it. It returns the new id.
func (c *Client) ResetIdentity(ctx context.Context) string {
	c.Identity.Clear(ctx)
	id := c.Identity.ID(ctx)
	c.SetUserID(id)
	return id
}

// Close flushes queued events and releases the store and any Kafka writer.
func (c *Client) Close(ctx context.Context) error {
	c.Telemetry.Close(ctx)
	var errs []error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
