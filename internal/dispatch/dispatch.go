// Package dispatch drives the notification lifecycle. It ties the durable
// record in the store to live delivery through the queue and registry, and for
// response-required sends suspends the caller on the correlator until a human
// answers or the deadline passes.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pushdeck/internal/correlator"
	"pushdeck/internal/notice"
	"pushdeck/internal/queue"
	"pushdeck/internal/store"
)

var (
	// ErrNotFound mirrors the store sentinel for unknown notification ids.
	ErrNotFound = store.ErrNotFound

	// ErrDuplicateResponse rejects a second submission for an already
	// answered notification.
	ErrDuplicateResponse = errors.New("response already recorded")

	// ErrGraceExceeded rejects a response arriving after the expiry grace
	// window closed.
	ErrGraceExceeded = errors.New("response grace period exceeded")

	// ErrOfflineNoDefault fails a response-required send whose recipient is
	// offline and which carries no default to fall back on. No record is
	// persisted in this path.
	ErrOfflineNoDefault = errors.New("recipient offline and no default response configured")
)

// Presence is the slice of the session registry the dispatcher needs.
type Presence interface {
	IsUserConnected(userID string) bool
	SendToUser(userID, event string, payload map[string]any) bool
}

type Config struct {
	// GracePeriod is how long after expiry a late response is still
	// accepted.
	GracePeriod time.Duration
}

type Dispatcher struct {
	cfg   Config
	log   zerolog.Logger
	store *store.Store
	reg   Presence
	queue *queue.Queue
	corr  *correlator.Correlator
}

func New(cfg Config, st *store.Store, reg Presence, q *queue.Queue, corr *correlator.Correlator, log zerolog.Logger) *Dispatcher {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Minute
	}
	return &Dispatcher{
		cfg:   cfg,
		log:   log.With().Str("component", "dispatch").Logger(),
		store: st,
		reg:   reg,
		queue: q,
		corr:  corr,
	}
}

// Send runs one of the two delivery protocols. Fire-and-forget returns as
// soon as the record is persisted and pushed; response-required blocks until
// the recipient answers, the timeout elapses, or ctx is cancelled.
func (d *Dispatcher) Send(ctx context.Context, req notice.SendRequest) (notice.SendResult, error) {
	notice.NormalizeSend(&req)
	if err := notice.ValidateSend(req); err != nil {
		return notice.SendResult{}, err
	}

	now := time.Now().UTC()
	n := notice.Notification{
		ID:                uuid.NewString(),
		Sender:            req.Sender,
		Recipient:         req.TargetUser,
		Message:           req.Message,
		Type:              req.Type,
		Priority:          req.Priority,
		Title:             req.Title,
		Abstract:          req.Abstract,
		ResponseRequested: req.ResponseRequested,
		ResponseType:      req.ResponseType,
		ResponseOptions:   req.ResponseOptions,
		TimeoutSeconds:    req.TimeoutSeconds,
		State:             notice.StateCreated,
		CreatedAt:         now,
	}
	if req.ResponseDefault != nil {
		n.ResponseDefault = *req.ResponseDefault
		n.HasDefault = true
	}

	if !req.ResponseRequested {
		return d.sendFireAndForget(ctx, n)
	}
	n.ExpiresAt = now.Add(time.Duration(req.TimeoutSeconds) * time.Second)
	return d.sendResponseRequired(ctx, n)
}

func (d *Dispatcher) sendFireAndForget(ctx context.Context, n notice.Notification) (notice.SendResult, error) {
	if err := d.store.Create(ctx, n); err != nil {
		return notice.SendResult{}, err
	}
	if err := d.store.MarkQueued(ctx, n.ID); err != nil {
		return notice.SendResult{}, err
	}
	n.State = notice.StateQueued

	result := notice.SendResult{NotificationID: n.ID, Status: notice.SendStatusUnavailable}
	if d.queue.Push(ctx, n) {
		if err := d.store.MarkDelivered(ctx, n.ID, time.Now().UTC()); err != nil {
			return notice.SendResult{}, err
		}
		result.Status = notice.SendStatusDelivered
	}
	return result, nil
}

func (d *Dispatcher) sendResponseRequired(ctx context.Context, n notice.Notification) (notice.SendResult, error) {
	now := time.Now().UTC()

	if !d.reg.IsUserConnected(n.Recipient) {
		if !n.HasDefault {
			return notice.SendResult{}, ErrOfflineNoDefault
		}
		// Offline with a default: the record goes straight to expired
		// carrying the default, and the caller never suspends.
		n.State = notice.StateExpired
		n.Response = n.ResponseDefault
		n.RespondedAt = now
		if err := d.store.Create(ctx, n); err != nil {
			return notice.SendResult{}, err
		}
		d.log.Info().Str("notification", n.ID).Str("user", n.Recipient).Msg("recipient offline, default applied")
		resp := n.ResponseDefault
		return notice.SendResult{
			NotificationID: n.ID,
			Status:         notice.SendStatusOffline,
			Response:       &resp,
			DefaultUsed:    true,
		}, nil
	}

	if err := d.store.Create(ctx, n); err != nil {
		return notice.SendResult{}, err
	}
	wait, ok := d.corr.Register(n.ID)
	if !ok {
		return notice.SendResult{}, errors.New("wait already registered for notification")
	}
	if err := d.store.MarkQueued(ctx, n.ID); err != nil {
		d.corr.Release(wait)
		return notice.SendResult{}, err
	}
	n.State = notice.StateQueued
	if d.queue.Push(ctx, n) {
		if err := d.store.MarkDelivered(ctx, n.ID, time.Now().UTC()); err != nil {
			d.corr.Release(wait)
			d.queue.Remove(n.ID)
			return notice.SendResult{}, err
		}
	}

	outcome, value := d.corr.Await(ctx, wait, time.Until(n.ExpiresAt))
	switch outcome {
	case correlator.OutcomeResponded:
		d.queue.Remove(n.ID)
		return notice.SendResult{
			NotificationID: n.ID,
			Status:         notice.SendStatusResponded,
			Response:       &value,
		}, nil
	case correlator.OutcomeCancelled:
		// The record stays wherever the signal/timeout race left it.
		d.queue.Remove(n.ID)
		d.log.Info().Str("notification", n.ID).Msg("response wait cancelled")
		return notice.SendResult{}, ctx.Err()
	default:
		return d.resolveTimeout(ctx, n)
	}
}

// resolveTimeout expires the record and applies the default. When a response
// slipped in between the wait resolving and the expiry write, the submission
// wins and the send resolves as responded.
func (d *Dispatcher) resolveTimeout(ctx context.Context, n notice.Notification) (notice.SendResult, error) {
	now := time.Now().UTC()
	expired, err := d.store.MarkExpired(ctx, n.ID, n.ResponseDefault, now)
	if err != nil {
		return notice.SendResult{}, err
	}
	d.queue.Remove(n.ID)
	if !expired {
		rec, err := d.store.Get(ctx, n.ID)
		if err != nil {
			return notice.SendResult{}, err
		}
		if rec.State == notice.StateResponded {
			resp := rec.Response
			return notice.SendResult{
				NotificationID: n.ID,
				Status:         notice.SendStatusResponded,
				Response:       &resp,
			}, nil
		}
	}

	d.reg.SendToUser(n.Recipient, notice.EventExpired, map[string]any{
		"notification_id": n.ID,
		"response":        n.ResponseDefault,
		"default_used":    n.HasDefault,
	})

	result := notice.SendResult{
		NotificationID: n.ID,
		Status:         notice.SendStatusExpired,
		DefaultUsed:    n.HasDefault,
		Timeout:        true,
	}
	if n.HasDefault {
		resp := n.ResponseDefault
		result.Response = &resp
	}
	return result, nil
}

// SubmitResponse records a human answer for the notification and wakes the
// suspended sender if one is still waiting. At most one submission ever
// succeeds per notification.
func (d *Dispatcher) SubmitResponse(ctx context.Context, id, value string) (notice.Notification, error) {
	rec, err := d.store.Get(ctx, id)
	if err != nil {
		return notice.Notification{}, err
	}
	if !rec.ResponseRequested {
		return notice.Notification{}, &notice.ValidationError{Field: "notification_id", Reason: "notification does not expect a response"}
	}
	if rec.State == notice.StateResponded {
		return notice.Notification{}, ErrDuplicateResponse
	}
	now := time.Now().UTC()
	if rec.State == notice.StateExpired && now.Sub(rec.ExpiresAt) > d.cfg.GracePeriod {
		return notice.Notification{}, ErrGraceExceeded
	}

	ok, err := d.store.SetResponse(ctx, id, value, now)
	if err != nil {
		return notice.Notification{}, err
	}
	if !ok {
		// Lost the race against another submission.
		return notice.Notification{}, ErrDuplicateResponse
	}

	if !d.corr.Signal(id, value) {
		d.log.Debug().Str("notification", id).Msg("response recorded with no waiter")
	}
	d.queue.Remove(id)
	d.reg.SendToUser(rec.Recipient, notice.EventResponded, map[string]any{
		"notification_id": id,
		"response":        value,
	})

	rec.State = notice.StateResponded
	rec.Response = value
	rec.RespondedAt = now
	return rec, nil
}

// Get returns the durable record for the notification id.
func (d *Dispatcher) Get(ctx context.Context, id string) (notice.Notification, error) {
	return d.store.Get(ctx, id)
}
