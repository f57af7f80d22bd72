package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wondertwin-ai/beacon/pkg/observe"
)

// RetryQueueKey is the durable key holding the JSON array of failed events.
const RetryQueueKey = "beacon_retry_queue"

// RetryPending resends the durable queue as one batch and returns how many
// events were confirmed delivered. On failure the queue is left as it was.
// On success exactly the sent events are removed; events persisted by other
// flushes while the retry was in flight stay queued.
func (c *Client) RetryPending(ctx context.Context) int {
	if !c.retrying.CompareAndSwap(false, true) {
		return 0
	}
	defer c.retrying.Store(false)

	c.storeMu.Lock()
	pending, err := c.load(ctx)
	c.storeMu.Unlock()
	if err != nil {
		c.obs.Failure(ctx, "telemetry", "retry", err)
		return 0
	}
	if len(pending) == 0 {
		return 0
	}

	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.sender.SendEvents(sctx, pending); err != nil {
		c.obs.Failure(ctx, "telemetry", "retry", err)
		return 0
	}
	c.obs.Count(ctx, observe.EventsSent, int64(len(pending)))

	sent := make(map[string]struct{}, len(pending))
	for _, e := range pending {
		sent[e.ID] = struct{}{}
	}

	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	current, err := c.load(ctx)
	if err != nil {
		c.obs.Failure(ctx, "telemetry", "retry", err)
		return len(pending)
	}
	remaining := current[:0]
	for _, e := range current {
		if _, ok := sent[e.ID]; !ok {
			remaining = append(remaining, e)
		}
	}
	if len(remaining) == 0 {
		err = c.store.Delete(ctx, RetryQueueKey)
	} else {
		err = c.save(ctx, remaining)
	}
	if err != nil {
		// The sent events will be delivered again; the server dedupes by id.
		c.obs.Failure(ctx, "telemetry", "retry", err)
	}
	c.logger.Debug("retry queue delivered", "events", len(pending), "remaining", len(remaining))
	return len(pending)
}

// Pending returns a copy of the durable queue.
func (c *Client) Pending(ctx context.Context) []Event {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()
	events, err := c.load(ctx)
	if err != nil {
		c.obs.Failure(ctx, "telemetry", "pending", err)
		return nil
	}
	return events
}

// persist appends a failed batch to the durable queue, evicting the oldest
// events once the cap is exceeded. If storage is unusable the batch is lost.
func (c *Client) persist(ctx context.Context, batch []Event) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	pending, err := c.load(ctx)
	if err != nil {
		c.obs.Failure(ctx, "telemetry", "persist", err)
		c.obs.Count(ctx, observe.EventsDropped, int64(len(batch)))
		return
	}

	prev := len(pending)
	pending = append(pending, batch...)
	kept := len(batch)
	over := len(pending) - c.max
	if over > 0 {
		pending = pending[over:]
		// Events of this batch that never made it into the queue count
		// only as dropped.
		kept -= max(0, over-prev)
	}

	if err := c.save(ctx, pending); err != nil {
		c.obs.Failure(ctx, "telemetry", "persist", err)
		c.obs.Count(ctx, observe.EventsDropped, int64(len(batch)))
		return
	}
	if over > 0 {
		c.obs.Count(ctx, observe.EventsDropped, int64(over))
		c.logger.Warn("retry queue full, evicted oldest events", "evicted", over, "max", c.max)
	}
	c.obs.Count(ctx, observe.EventsPersisted, int64(kept))
}

// load must be called with storeMu held. A corrupt queue is reported and
// treated as empty so it gets overwritten.
func (c *Client) load(ctx context.Context) ([]Event, error) {
	raw, found, err := c.store.Get(ctx, RetryQueueKey)
	if err != nil {
		return nil, fmt.Errorf("reading retry queue: %w", err)
	}
	if !found || raw == "" {
		return nil, nil
	}
	var events []Event
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		c.obs.Failure(ctx, "telemetry", "load", fmt.Errorf("decoding retry queue: %w", err))
		return nil, nil
	}
	return events, nil
}

// save must be called with storeMu held.
func (c *Client) save(ctx context.Context, events []Event) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encoding retry queue: %w", err)
	}
	if err := c.store.Set(ctx, RetryQueueKey, string(data)); err != nil {
		return fmt.Errorf("writing retry queue: %w", err)
	}
	return nil
}
