// Package queue buffers outbound notifications in delivery order. Urgent and
// high priority items form a head tier that stays FIFO among itself ahead of
// everything else; medium and low append at the tail. Pushing also attempts
// live delivery and records a best-effort analytics row.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pushdeck/internal/notice"
	"pushdeck/internal/store"
)

// Deliverer pushes an event to every live connection of a user and reports
// whether anyone received it.
type Deliverer interface {
	SendToUser(userID, event string, payload map[string]any) bool
}

// AnalyticsSink records one row per push. Append failures never affect
// delivery.
type AnalyticsSink interface {
	AppendDeliveryLog(ctx context.Context, entry store.DeliveryLogEntry) error
}

type item struct {
	n    notice.Notification
	seen bool
}

// defaultMaxBuffered caps the in-memory buffer. Terminal-state items are
// removed explicitly; the cap covers delivered items nobody removed.
const defaultMaxBuffered = 1024

type Queue struct {
	log         zerolog.Logger
	deliverer   Deliverer
	sink        AnalyticsSink
	maxBuffered int

	mu    sync.Mutex
	items []*item
}

func New(deliverer Deliverer, sink AnalyticsSink, log zerolog.Logger) *Queue {
	return &Queue{
		log:         log.With().Str("component", "queue").Logger(),
		deliverer:   deliverer,
		sink:        sink,
		maxBuffered: defaultMaxBuffered,
	}
}

// Push inserts the notification at its priority position, attempts live
// delivery and appends the analytics row. Returns whether at least one live
// connection received the event.
func (q *Queue) Push(ctx context.Context, n notice.Notification) bool {
	q.insert(n)

	delivered := q.deliverer.SendToUser(n.Recipient, notice.EventNotification, notice.Payload(n))
	if delivered {
		q.MarkDelivered(n.ID)
	}

	entry := store.DeliveryLogEntry{
		NotificationID: n.ID,
		Recipient:      n.Recipient,
		Event:          notice.EventNotification,
		Priority:       n.Priority,
		Delivered:      delivered,
		TS:             time.Now().UTC(),
	}
	if err := q.sink.AppendDeliveryLog(ctx, entry); err != nil {
		q.log.Warn().Str("notification", n.ID).Err(err).Msg("delivery log append failed")
	}
	return delivered
}

func (q *Queue) insert(n notice.Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !notice.IsUrgent(n.Priority) {
		q.items = append(q.items, &item{n: n})
		q.prune()
		return
	}
	// After the last urgent/high item, before the first lower-priority one.
	pos := len(q.items)
	for i, it := range q.items {
		if !notice.IsUrgent(it.n.Priority) {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = &item{n: n}
	q.prune()
}

// prune drops the oldest delivered items once the buffer exceeds its cap.
// Undelivered items are never dropped; they are still owed a catch-up replay.
// Caller holds the lock.
func (q *Queue) prune() {
	over := len(q.items) - q.maxBuffered
	if over <= 0 {
		return
	}
	kept := q.items[:0]
	for _, it := range q.items {
		if over > 0 && it.seen {
			over--
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
}

// MarkDelivered flags the queued item as seen. Marking an already-delivered
// item again is a no-op.
func (q *Queue) MarkDelivered(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.n.ID == id {
			it.seen = true
			return
		}
	}
}

// NextUnseen returns the first undelivered notification for the user in queue
// order.
func (q *Queue) NextUnseen(userID string) (notice.Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.n.Recipient == userID && !it.seen {
			return it.n, true
		}
	}
	return notice.Notification{}, false
}

// AllForUser returns the user's queued notifications in queue order,
// optionally including already-delivered ones.
func (q *Queue) AllForUser(userID string, includeSeen bool) []notice.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := []notice.Notification{}
	for _, it := range q.items {
		if it.n.Recipient != userID {
			continue
		}
		if it.seen && !includeSeen {
			continue
		}
		out = append(out, it.n)
	}
	return out
}

// Remove drops the item from the buffer once its record reached a terminal
// state.
func (q *Queue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.n.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
