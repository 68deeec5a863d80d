// Package bus implements the persistent publish/subscribe layer: a
// database-backed notification channel with in-process fan-out. Every
// published message is written to the pubsub_messages table; a
// channel's poller tails that table from the highest id present when
// it starts, so messages published while nobody was subscribed are
// not replayed.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streetsdigital/lugh/internal/persistence"
)

const (
	defaultPollInterval = 150 * time.Millisecond
	payloadWarnBytes    = 7900 // ~7.9 KB per spec
)

var channelSanitizer = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// CanonicalizeChannel is the single normalization function used on
// both the Publish and Subscribe paths. A prior implementation used
// two different sanitizers on each side and silently dropped messages
// whose canonical names diverged; using one function here closes that gap.
func CanonicalizeChannel(name string) string {
	return channelSanitizer.ReplaceAllString(name, "")
}

// Handler receives a message's raw JSON payload. Handlers for the
// same channel are invoked concurrently with each other.
type Handler func(payload []byte)

// Subscription is returned by Subscribe and identifies one handler
// registration so it can be removed individually.
type Subscription struct {
	id      int64
	channel string
}

type handlerEntry struct {
	id      int64
	handler Handler
}

type channelState struct {
	mu       sync.Mutex
	handlers []handlerEntry
	lastID   int64
	cancel   context.CancelFunc
}

// Bus is the process-local dispatcher over the database outbox.
type Bus struct {
	store  *persistence.Store
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]*channelState
	nextSubID int64

	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64

	shutdownCtx context.Context
	shutdown    context.CancelFunc
	closed      atomic.Bool
}

// New creates a Bus over store. A nil logger falls back to slog.Default.
func New(store *persistence.Store, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		store:       store,
		logger:      logger,
		channels:    make(map[string]*channelState),
		shutdownCtx: ctx,
		shutdown:    cancel,
	}
}

// Publish is best-effort fire-and-forget: it returns once the
// notification is durably handed to the database; delivery to live
// subscribers is not guaranteed across subscriber downtime.
func (b *Bus) Publish(ctx context.Context, channel string, payload any) error {
	if b.closed.Load() {
		return fmt.Errorf("bus: publish after shutdown")
	}
	canonical := CanonicalizeChannel(channel)

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: encode payload: %w", err)
	}
	if len(encoded) > payloadWarnBytes {
		b.logger.Warn("bus: payload exceeds recommended size, send an identifier instead",
			"channel", canonical, "bytes", len(encoded))
	}

	_, err = b.store.InsertPubSubMessage(ctx, canonical, string(encoded))
	if err != nil {
		return fmt.Errorf("bus: publish to %q: %w", canonical, err)
	}
	return nil
}

// Subscribe registers handler on channel and returns an unsubscribe
// function. The first subscriber on a channel starts a background
// poller; later subscribers share it.
func (b *Bus) Subscribe(channel string, handler Handler) (func(), error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("bus: subscribe after shutdown")
	}
	canonical := CanonicalizeChannel(channel)

	b.mu.Lock()
	state, exists := b.channels[canonical]
	if !exists {
		state = &channelState{}
		b.channels[canonical] = state
	}
	b.nextSubID++
	subID := b.nextSubID
	b.mu.Unlock()

	state.mu.Lock()
	state.handlers = append(state.handlers, handlerEntry{id: subID, handler: handler})
	needsPoller := state.cancel == nil
	state.mu.Unlock()

	if needsPoller {
		if err := b.startPoller(canonical, state); err != nil {
			return nil, err
		}
	}

	sub := &Subscription{id: subID, channel: canonical}
	return func() { b.Unsubscribe(sub) }, nil
}

// Unsubscribe removes one handler. When a channel's last handler is
// removed, its poller is stopped.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.RLock()
	state, ok := b.channels[sub.channel]
	b.mu.RUnlock()
	if !ok {
		return
	}

	state.mu.Lock()
	for i, h := range state.handlers {
		if h.id == sub.id {
			state.handlers = append(state.handlers[:i], state.handlers[i+1:]...)
			break
		}
	}
	empty := len(state.handlers) == 0
	var cancel context.CancelFunc
	if empty && state.cancel != nil {
		cancel = state.cancel
		state.cancel = nil
	}
	state.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Shutdown drains and releases all channel resources. Further
// Publish/Subscribe calls fail.
func (b *Bus) Shutdown() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.shutdown()
}

func (b *Bus) startPoller(channel string, state *channelState) error {
	lastID, err := b.store.MaxPubSubMessageID(b.shutdownCtx, channel)
	if err != nil {
		return fmt.Errorf("bus: prime poller for %q: %w", channel, err)
	}
	state.mu.Lock()
	state.lastID = lastID
	ctx, cancel := context.WithCancel(b.shutdownCtx)
	state.cancel = cancel
	state.mu.Unlock()

	go b.pollLoop(ctx, channel, state)
	return nil
}

// pollLoop tails new rows on channel and fans them out to every
// registered handler concurrently. On a database error it backs off
// and resumes from the last successfully observed id — functionally
// equivalent to "auto-close and resubscribe all handlers", since the
// handler set itself never changes.
func (b *Bus) pollLoop(ctx context.Context, channel string, state *channelState) {
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	backoff := defaultPollInterval
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state.mu.Lock()
			afterID := state.lastID
			state.mu.Unlock()

			msgs, err := b.store.PollPubSubMessages(ctx, channel, afterID, 100)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Error("bus: poll error, will retry", "channel", channel, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < maxBackoff {
					backoff *= 2
				}
				continue
			}
			backoff = defaultPollInterval
			if len(msgs) == 0 {
				continue
			}

			state.mu.Lock()
			handlers := make([]handlerEntry, len(state.handlers))
			copy(handlers, state.handlers)
			state.lastID = msgs[len(msgs)-1].ID
			state.mu.Unlock()

			for _, msg := range msgs {
				payload := []byte(msg.Payload)
				for _, h := range handlers {
					go h.handler(payload)
				}
			}
		}
	}
}
