package detect

import (
	"context"
	"sync"
	"time"

	"indexsync.dev/cache"
	"indexsync.dev/logging"
)

// DefaultChannelBuffer is the bounded mailbox size for a detector's Changes
// channel, per spec §5 "each detector has its own bounded channel,
// full-channel drops are logged at warning with a counter".
const DefaultChannelBuffer = 64

// Base implements the machinery every detector variant shares: the
// known_ids set, the per-source debounce window, monotonic-start-time
// filtering, and the CREATE/UPDATE/DELETE-to-Message mapping of spec §4.3.
// Concrete detectors embed Base and call its methods from their own
// subscription/polling goroutine; Base never starts a goroutine itself.
type Base struct {
	sourceType string
	log        *logging.ContextLogger

	mu       sync.Mutex
	knownIDs map[string]struct{}
	started  bool
	startAt  time.Time

	dedup          cache.Dedup
	debounceWindow time.Duration

	ch        chan Message
	closeOnce sync.Once
	dropCount int
}

// NewBase constructs shared detector state. debounceWindow is the
// per-source window from spec §4.4 (e.g. 1s filesystem, 30s GCS/Azure,
// 30-60s generic).
func NewBase(sourceType string, dedup cache.Dedup, debounceWindow time.Duration) *Base {
	if dedup == nil {
		dedup = cache.NewMemoryDedup()
	}
	return &Base{
		sourceType:     sourceType,
		log:            logging.Component("detect." + sourceType),
		knownIDs:       make(map[string]struct{}),
		dedup:          dedup,
		debounceWindow: debounceWindow,
		ch:             make(chan Message, DefaultChannelBuffer),
	}
}

func (b *Base) SourceType() string { return b.sourceType }

func (b *Base) Log() *logging.ContextLogger { return b.log }

// Changes returns the bounded message channel.
func (b *Base) Changes() <-chan Message { return b.ch }

// MarkStarted records the detector's start time, used by DiscardStale to
// reject change-feed events that predate this process's subscription when
// no durable cursor is available (spec §4.3 monotonic invariance).
func (b *Base) MarkStarted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	b.startAt = time.Now()
}

func (b *Base) StartedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startAt
}

// SeedKnownID adds id to known_ids during the initial listing, before event
// subscription begins (spec §4.3: "Populating known_ids before event
// subscription starts is required to distinguish CREATE from MODIFY").
func (b *Base) SeedKnownID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.knownIDs[id] = struct{}{}
}

func (b *Base) knownIDsContains(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.knownIDs[id]
	return ok
}

func (b *Base) addKnownID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.knownIDs[id] = struct{}{}
}

func (b *Base) removeKnownID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.knownIDs, id)
}

// DiscardStale reports whether an observed change-feed timestamp predates
// this detector's own start time and should be discarded to avoid
// replaying history on every restart (spec §4.3). hasCursor should be true
// when the source provides a durable resume cursor (Azure Blob continuation
// token, Google Drive page token, Box stream position); in that case the
// cursor itself is authoritative and this check is skipped.
func (b *Base) DiscardStale(eventTime time.Time, hasCursor bool) bool {
	if hasCursor || eventTime.IsZero() {
		return false
	}
	return eventTime.Before(b.StartedAt())
}

// Debounce reports whether nativeID was already seen within the debounce
// window and should be dropped. The window is reset on every call that
// returns false, i.e. every event actually published (spec §4.3: "reset on
// every processed event, not on every arriving event").
func (b *Base) Debounce(ctx context.Context, nativeID string) bool {
	if b.debounceWindow <= 0 {
		return false
	}
	seen, err := b.dedup.Seen(ctx, b.sourceType+":"+nativeID, b.debounceWindow)
	if err != nil {
		b.log.WithError(err).Warn("dedup check failed, processing event rather than blocking")
		return false
	}
	return seen
}

// Classify implements the shared event-to-action mapping of spec §4.3:
//   - DELETE is returned unchanged.
//   - CREATE absent from known_ids is a genuine new document; it is added
//     to known_ids and returned unchanged so the consumer runs the full
//     parse+index pipeline for it.
//   - CREATE or UPDATE already in known_ids is a re-notification of an
//     existing document; it is turned into a ModifyIntent so the consumer
//     deletes-then-reinserts.
//   - UPDATE absent from known_ids is treated as CREATE.
//
// The returned ModifyIntent's Add callback republishes ev onto this
// detector's own channel (never calling back into the engine or backend
// directly), which is how this package breaks the detector -> backend ->
// engine -> detector cycle noted in spec §9: the worker, not the backend,
// drives consumption of the republished event.
func (b *Base) Classify(ev ChangeEvent) ChangeEvent {
	id := nativeKey(ev)
	switch ev.ChangeType {
	case Delete:
		b.removeKnownID(id)
		return ev
	case Create:
		if !b.knownIDsContains(id) {
			b.addKnownID(id)
			return ev
		}
		return b.synthesizeModify(ev)
	case Update:
		if !b.knownIDsContains(id) {
			b.addKnownID(id)
			ev.ChangeType = Create
			return ev
		}
		return b.synthesizeModify(ev)
	default:
		return ev
	}
}

func (b *Base) synthesizeModify(add ChangeEvent) ChangeEvent {
	del := add
	del.ChangeType = Delete
	intent := ModifyIntent{
		Delete: del,
		Add: func(ctx context.Context) error {
			return b.send(ctx, Message{Kind: MessageEvent, Event: add})
		},
	}
	return intent.AsDeleteEvent()
}

func nativeKey(ev ChangeEvent) string {
	if ev.Metadata.SourceID != "" {
		return ev.Metadata.SourceID
	}
	return ev.Metadata.Path
}

// Publish sends ev on the channel, applying classification first. It never
// blocks forever: a full channel drops the oldest pending message (logged
// at warning with a running counter), per spec §5's documented drop policy.
func (b *Base) Publish(ctx context.Context, ev ChangeEvent) error {
	return b.send(ctx, Message{Kind: MessageEvent, Event: b.Classify(ev)})
}

// send pushes msg onto the channel as is, with Publish's drop-oldest policy.
func (b *Base) send(ctx context.Context, msg Message) error {
	select {
	case b.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	// Channel full: drop oldest, then push, per the drop-oldest policy.
	select {
	case <-b.ch:
		b.mu.Lock()
		b.dropCount++
		n := b.dropCount
		b.mu.Unlock()
		b.log.WithField("dropped_total", n).Warn("detector channel full, dropped oldest message")
	default:
	}
	select {
	case b.ch <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// PublishIdle sends an explicit idle tick, replacing the source's nullable
// sentinel with an addressable message kind (spec §9).
func (b *Base) PublishIdle(ctx context.Context) {
	select {
	case b.ch <- Message{Kind: MessageIdle}:
	case <-ctx.Done():
	default:
	}
}

// Close closes the channel exactly once. Safe to call multiple times.
func (b *Base) Close() {
	b.closeOnce.Do(func() {
		close(b.ch)
	})
}
