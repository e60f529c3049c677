package notice

import (
	"encoding/json"
	"time"
)

const (
	TypeTask     = "task"
	TypeProgress = "progress"
	TypeAlert    = "alert"
	TypeCustom   = "custom"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

const (
	ResponseYesNo          = "yes_no"
	ResponseOpenEnded      = "open_ended"
	ResponseMultipleChoice = "multiple_choice"
)

// Lifecycle states. Responded and Expired are terminal, except that a late
// response within the grace window moves Expired to Responded.
const (
	StateCreated   = "created"
	StateQueued    = "queued"
	StateDelivered = "delivered"
	StateResponded = "responded"
	StateExpired   = "expired"
)

// Live push event names.
const (
	EventNotification = "notification"
	EventExpired      = "notification_expired"
	EventResponded    = "notification_responded"
)

type Notification struct {
	ID                string    `json:"notification_id"`
	Sender            string    `json:"sender,omitempty"`
	Recipient         string    `json:"recipient"`
	Message           string    `json:"message"`
	Type              string    `json:"type"`
	Priority          string    `json:"priority"`
	Title             string    `json:"title,omitempty"`
	Abstract          string    `json:"abstract,omitempty"`
	ResponseRequested bool      `json:"response_requested"`
	ResponseType      string    `json:"response_type,omitempty"`
	ResponseOptions   []string  `json:"response_options,omitempty"`
	ResponseDefault   string    `json:"response_default,omitempty"`
	HasDefault        bool      `json:"has_default,omitempty"`
	TimeoutSeconds    int       `json:"timeout_seconds,omitempty"`
	ExpiresAt         time.Time `json:"expires_at,omitempty"`
	State             string    `json:"state"`
	Response          string    `json:"response,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	DeliveredAt       time.Time `json:"delivered_at,omitempty"`
	RespondedAt       time.Time `json:"responded_at,omitempty"`
}

// SendRequest is the caller-facing send payload. ResponseDefault is a pointer
// so "no default configured" and "empty default" stay distinguishable.
type SendRequest struct {
	Message           string   `json:"message"`
	Type              string   `json:"type,omitempty"`
	Priority          string   `json:"priority,omitempty"`
	TargetUser        string   `json:"target_user"`
	Sender            string   `json:"sender,omitempty"`
	Title             string   `json:"title,omitempty"`
	Abstract          string   `json:"abstract,omitempty"`
	ResponseRequested bool     `json:"response_requested,omitempty"`
	ResponseType      string   `json:"response_type,omitempty"`
	ResponseOptions   []string `json:"response_options,omitempty"`
	TimeoutSeconds    int      `json:"timeout_seconds,omitempty"`
	ResponseDefault   *string  `json:"response_default,omitempty"`
}

const (
	SendStatusDelivered   = "delivered"
	SendStatusUnavailable = "recipient_unavailable"
	SendStatusOffline     = "offline"
	SendStatusResponded   = "responded"
	SendStatusExpired     = "expired"
)

type SendResult struct {
	NotificationID string  `json:"notification_id,omitempty"`
	Status         string  `json:"status"`
	Response       *string `json:"response"`
	DefaultUsed    bool    `json:"default_used,omitempty"`
	Timeout        bool    `json:"timeout,omitempty"`
}

// Payload flattens a notification into the event payload pushed to
// connections. Empty optional fields are left out of the wire shape.
func Payload(n Notification) map[string]any {
	out := map[string]any{
		"notification_id":   n.ID,
		"message":           n.Message,
		"notification_type": n.Type,
		"priority":          n.Priority,
	}
	if n.Sender != "" {
		out["sender"] = n.Sender
	}
	if n.Title != "" {
		out["title"] = n.Title
	}
	if n.Abstract != "" {
		out["abstract"] = n.Abstract
	}
	if n.ResponseRequested {
		out["response_requested"] = true
		out["response_type"] = n.ResponseType
		if len(n.ResponseOptions) > 0 {
			out["response_options"] = n.ResponseOptions
		}
		if n.TimeoutSeconds > 0 {
			out["timeout_seconds"] = n.TimeoutSeconds
		}
		if !n.ExpiresAt.IsZero() {
			out["expires_at"] = n.ExpiresAt
		}
	}
	return out
}

// Envelope is the wire shape of a live push message:
// {"type": <event-name>, "timestamp": ..., ...payload}.
type Envelope struct {
	Type    string
	TS      time.Time
	Payload map[string]any
}

func NewEnvelope(event string, payload map[string]any) Envelope {
	return Envelope{Type: event, TS: time.Now().UTC(), Payload: payload}
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = e.Type
	out["timestamp"] = e.TS
	return json.Marshal(out)
}
