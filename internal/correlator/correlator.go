// ABOUTME: Sharded worker pool applying webhook events to sessions in arrival order
// ABOUTME: Publishes each applied change to the session's room and schedules enrichment

package correlator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/enrich"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/metrics"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/realtime"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/session"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/store"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/webhook"
)

var (
	// ErrQueueFull is returned by Submit when the session's queue stayed full
	// until the context ended.
	ErrQueueFull = errors.New("correlator queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("correlator closed")
)

// Publisher delivers real-time events to a session's room.
type Publisher interface {
	Publish(sessionID, event string, data any) int
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, any) int { return 0 }

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
}

type job struct {
	sessionID string
	ev        *webhook.Event
}

// Correlator applies events. All events for one session hash to the same
// queue and worker, so they are applied in the order they were submitted.
type Correlator struct {
	registry  *session.Registry
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	closed  bool
	queues  []chan job
	workers sync.WaitGroup
	enrichs sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New starts a correlator. publisher and m may be nil.
func New(cfg Config, registry *session.Registry, publisher Publisher, m *metrics.Metrics, logger *slog.Logger) *Correlator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Correlator{
		registry:  registry,
		publisher: publisher,
		metrics:   m,
		logger:    logger.With("component", "correlator"),
		now:       time.Now,
		queues:    make([]chan job, cfg.Workers),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := range c.queues {
		c.queues[i] = make(chan job, cfg.QueueSize)
		c.workers.Add(1)
		go c.run(c.queues[i])
	}
	return c
}

// Submit queues ev for sessionID. It waits for queue space until ctx ends.
func (c *Correlator) Submit(ctx context.Context, sessionID string, ev *webhook.Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	q := c.queues[c.shard(sessionID)]
	j := job{sessionID: sessionID, ev: ev}
	select {
	case q <- j:
	case <-ctx.Done():
		c.logger.Warn("correlator queue full", "session_id", sessionID, "queue_len", len(q))
		return fmt.Errorf("%w: %v", ErrQueueFull, ctx.Err())
	}
	c.metrics.QueueAdd(1)
	return nil
}

func (c *Correlator) shard(sessionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(len(c.queues)))
}

func (c *Correlator) run(q <-chan job) {
	defer c.workers.Done()
	for j := range q {
		c.metrics.QueueAdd(-1)
		_ = c.Apply(c.ctx, j.sessionID, j.ev)
	}
}

// Close stops accepting events, drains the queues, and waits for pending
// enrichment. If ctx ends first, in-flight work is cancelled.
func (c *Correlator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, q := range c.queues {
		close(q)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.workers.Wait()
		c.enrichs.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		return ctx.Err()
	}
}

// outcome is what one event did to a session, for publishing.
type outcome struct {
	skipped bool
	delta   []store.Message
	ended   bool
}

// Apply applies ev to sessionID synchronously. Workers call it for queued
// events. Terminal-state and invalid-transition results are logged no-ops.
func (c *Correlator) Apply(ctx context.Context, sessionID string, ev *webhook.Event) error {
	logger := c.logger.With("session_id", sessionID, "event_type", ev.Type, "dedupe_key", ev.Key)

	var out outcome
	sess, err := c.registry.Update(ctx, sessionID, func(tx *session.Tx) error {
		out = outcome{}
		if tx.Applied(ev.Key) {
			out.skipped = true
			return nil
		}
		if err := c.mutate(tx, ev, &out, logger); err != nil {
			return err
		}
		tx.MarkApplied(ev.Key)
		tx.CountWebhook()
		return nil
	})

	switch {
	case err == nil && out.skipped:
		logger.Debug("event already applied")
		c.metrics.RecordEventApplied(string(ev.Type), "duplicate")
		return nil

	case errors.Is(err, session.ErrTerminal), errors.Is(err, session.ErrInvalidTransition):
		logger.Warn("event ignored", "error", err)
		c.metrics.RecordEventApplied(string(ev.Type), "ignored")
		return nil

	case errors.Is(err, session.ErrNotFound):
		logger.Warn("session gone before event applied")
		c.metrics.RecordEventApplied(string(ev.Type), "not_found")
		return err

	case err != nil:
		logger.Error("failed to apply event", "error", err)
		c.metrics.RecordEventApplied(string(ev.Type), "failed")
		c.fail(ctx, sessionID, err)
		return err
	}

	c.metrics.RecordEventApplied(string(ev.Type), "applied")
	logger.Info("event applied", "state", sess.State, "messages", len(sess.Transcript), "version", sess.Version)
	c.publish(sess, ev, out)

	if out.ended {
		c.scheduleEnrichment(sessionID)
	}
	return nil
}

func (c *Correlator) mutate(tx *session.Tx, ev *webhook.Event, out *outcome, logger *slog.Logger) error {
	switch ev.Type {
	case webhook.TypeConversationStarted:
		if err := tx.Bind(ev.ExternalID); err != nil {
			return err
		}
		_, err := tx.Transition(store.StateActive, "")
		return err

	case webhook.TypeTranscriptUpdate:
		if err := tx.Bind(ev.ExternalID); err != nil {
			return err
		}
		msgs, err := ev.Messages()
		if err != nil {
			return err
		}
		if tx.State() == store.StateCreated {
			if _, err := tx.Transition(store.StateActive, ""); err != nil {
				return err
			}
		}
		if err := tx.Append(msgs...); err != nil {
			return err
		}
		out.delta = msgs
		return nil

	case webhook.TypeConversationEnded:
		if err := tx.Bind(ev.ExternalID); err != nil {
			return err
		}
		msgs, err := ev.Messages()
		if err != nil {
			return err
		}
		if tx.State().Terminal() {
			return fmt.Errorf("%w: call already %s", session.ErrTerminal, tx.State())
		}
		if recorded := tx.TranscriptLen(); len(msgs) > recorded {
			out.delta = msgs[recorded:]
			if err := tx.Append(out.delta...); err != nil {
				return err
			}
		}

		pc, err := enrich.ParsePostCall(ev.Data)
		if err != nil {
			logger.Warn("post-call data unreadable, recording without statistics", "error", err)
			pc = nil
		}
		tx.SetAnalytics(enrich.Record(pc))

		if tx.State() == store.StateCreated {
			if _, err := tx.Transition(store.StateActive, ""); err != nil {
				return err
			}
		}
		if _, err := tx.Transition(store.StateCompleted, ""); err != nil {
			return err
		}
		out.ended = true
		return nil

	case webhook.TypeError:
		if err := tx.Bind(ev.ExternalID); err != nil {
			logger.Warn("error event for conflicting conversation id", "error", err)
		}
		_, err := tx.Transition(store.StateError, ev.ErrorDetail())
		return err
	}
	return fmt.Errorf("%w: %s", webhook.ErrUnknownEventType, ev.Type)
}

func (c *Correlator) publish(sess *store.Session, ev *webhook.Event, out outcome) {
	switch ev.Type {
	case webhook.TypeConversationStarted, webhook.TypeError:
		c.publisher.Publish(sess.ID, realtime.EventConversationUpdate, realtime.NewConversationUpdate(sess))

	case webhook.TypeTranscriptUpdate:
		c.publisher.Publish(sess.ID, realtime.EventWebhookUpdate, realtime.WebhookUpdate{
			SessionID:    sess.ID,
			EventType:    string(ev.Type),
			Status:       sess.State,
			Messages:     out.delta,
			MessageCount: len(sess.Transcript),
			Version:      sess.Version,
		})

	case webhook.TypeConversationEnded:
		c.publisher.Publish(sess.ID, realtime.EventConversationUpdate, realtime.NewConversationUpdate(sess))
		c.publisher.Publish(sess.ID, realtime.EventWebhookUpdate, realtime.WebhookUpdate{
			SessionID:    sess.ID,
			EventType:    string(ev.Type),
			Status:       sess.State,
			Messages:     out.delta,
			MessageCount: len(sess.Transcript),
			Summary:      sess.Analytics,
			Version:      sess.Version,
		})
	}
}

// fail moves the session to error after a mutation failure and tells the room.
func (c *Correlator) fail(ctx context.Context, sessionID string, cause error) {
	sess, err := c.registry.SetState(ctx, sessionID, store.StateError, cause.Error())
	if err != nil {
		return
	}
	c.publisher.Publish(sessionID, realtime.EventConversationUpdate, realtime.NewConversationUpdate(sess))
}

func (c *Correlator) scheduleEnrichment(sessionID string) {
	c.enrichs.Add(1)
	go func() {
		defer c.enrichs.Done()
		c.enrichSession(c.ctx, sessionID)
	}()
}

// enrichSession tags the final transcript with stages and stores the result.
func (c *Correlator) enrichSession(ctx context.Context, sessionID string) {
	start := c.now()
	logger := c.logger.With("session_id", sessionID)

	snap, err := c.registry.Get(sessionID)
	if err != nil {
		logger.Warn("session gone before enrichment", "error", err)
		return
	}

	analytics := enrich.Enrich(snap.Transcript, snap.Analytics, c.now())
	sess, err := c.registry.SetAnalytics(ctx, sessionID, analytics)
	c.metrics.RecordEnrichment(c.now().Sub(start), err)
	if err != nil {
		logger.Error("failed to store enrichment", "error", err)
		return
	}

	logger.Info("session enriched", "stages", len(analytics.StageCounts))
	c.publisher.Publish(sessionID, realtime.EventWebhookUpdate, realtime.WebhookUpdate{
		SessionID:    sessionID,
		EventType:    "enrichment_complete",
		Status:       sess.State,
		MessageCount: len(sess.Transcript),
		Summary:      sess.Analytics,
	})
}
