package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"pushdeck/internal/notice"
)

// Close reasons passed to the transport when the registry tears a
// connection down.
const (
	CloseSuperseded  = "superseded"
	CloseWriteFailed = "write_failed"
	CloseDeadProbe   = "dead_probe"
	CloseStale       = "stale"
	CloseShutdown    = "shutdown"
)

// SubscribeAll is the wildcard subscription.
const SubscribeAll = "*"

// Conn is an open transport handle. Implementations must tolerate calls from
// multiple goroutines; Close may be called more than once.
type Conn interface {
	WriteJSON(v any) error
	Ping() error
	Close(reason string) error
}

type Config struct {
	// SingleSessionPerUser evicts a user's existing connections when a new
	// one is recorded for the same user.
	SingleSessionPerUser bool
	HeartbeatInterval    time.Duration
	CommandBuffer        int
}

// Registry tracks live connections and their user/subscription indices.
// All index state lives inside the Run loop: every operation is a message on
// the command channel, so mutation is confined to a single goroutine and
// producers on other goroutines never touch the maps directly.
type Registry struct {
	cfg  Config
	log  zerolog.Logger
	cmds chan command
	done chan struct{}
}

type command func(*tables)

type connEntry struct {
	id          string
	userID      string
	subs        map[string]struct{}
	conn        Conn
	connectedAt time.Time
}

type tables struct {
	conns map[string]*connEntry
	users map[string]map[string]struct{}
}

func New(cfg Config, log zerolog.Logger) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = 1024
	}
	return &Registry{
		cfg:  cfg,
		log:  log.With().Str("component", "registry").Logger(),
		cmds: make(chan command, cfg.CommandBuffer),
		done: make(chan struct{}),
	}
}

// Run owns the connection tables until ctx is cancelled. It must be running
// for any other Registry method to make progress.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.done)

	t := &tables{
		conns: map[string]*connEntry{},
		users: map[string]map[string]struct{}{},
	}
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for id, e := range t.conns {
				t.remove(id)
				go e.conn.Close(CloseShutdown)
			}
			return
		case <-ticker.C:
			if dead := r.heartbeat(t); dead > 0 {
				r.log.Info().Int("dead", dead).Msg("heartbeat removed dead connections")
			}
		case cmd := <-r.cmds:
			cmd(t)
		}
	}
}

// post schedules a mutation and forgets about it. It never blocks and never
// surfaces an error to the caller; an overflowing command buffer is logged
// and the command dropped.
func (r *Registry) post(cmd command) {
	select {
	case r.cmds <- cmd:
	case <-r.done:
		r.log.Warn().Msg("registry stopped, command dropped")
	default:
		r.log.Error().Msg("registry command buffer full, command dropped")
	}
}

func ask[T any](r *Registry, fn func(*tables) T) T {
	reply := make(chan T, 1)
	cmd := func(t *tables) { reply <- fn(t) }
	select {
	case r.cmds <- cmd:
	case <-r.done:
		var zero T
		return zero
	}
	select {
	case v := <-reply:
		return v
	case <-r.done:
		var zero T
		return zero
	}
}

// Connect records a new connection. With the single-session policy on, every
// existing connection of the same user is removed from the indices before
// the new one is recorded and closed asynchronously with a superseded reason.
func (r *Registry) Connect(connID, userID string, conn Conn, events []string) {
	subs := map[string]struct{}{}
	for _, ev := range events {
		if ev != "" {
			subs[ev] = struct{}{}
		}
	}
	if len(subs) == 0 {
		subs[SubscribeAll] = struct{}{}
	}
	entry := &connEntry{
		id:          connID,
		userID:      userID,
		subs:        subs,
		conn:        conn,
		connectedAt: time.Now().UTC(),
	}
	r.post(func(t *tables) {
		if r.cfg.SingleSessionPerUser && userID != "" {
			for id := range t.users[userID] {
				old := t.conns[id]
				t.remove(id)
				if old != nil {
					r.log.Info().Str("conn", id).Str("user", userID).Msg("session superseded")
					go old.conn.Close(CloseSuperseded)
				}
			}
		}
		t.conns[connID] = entry
		if userID != "" {
			if t.users[userID] == nil {
				t.users[userID] = map[string]struct{}{}
			}
			t.users[userID][connID] = struct{}{}
		}
	})
}

// Disconnect removes the connection from every index. Idempotent: an
// already-absent id is a no-op.
func (r *Registry) Disconnect(connID string) {
	r.post(func(t *tables) {
		t.remove(connID)
	})
}

// SendToConn pushes an event to a single connection, subject to its
// subscription filter. Best-effort: failures disconnect that connection and
// are otherwise swallowed.
func (r *Registry) SendToConn(connID, event string, payload map[string]any) {
	env := notice.NewEnvelope(event, payload)
	r.post(func(t *tables) {
		e, ok := t.conns[connID]
		if !ok || !e.subscribed(event) {
			return
		}
		r.write(t, e, env)
	})
}

// SendToUser pushes an event to every connection of the user and reports
// whether at least one write succeeded.
func (r *Registry) SendToUser(userID, event string, payload map[string]any) bool {
	env := notice.NewEnvelope(event, payload)
	return ask(r, func(t *tables) bool {
		delivered := false
		for _, e := range t.userConns(userID) {
			if !e.subscribed(event) {
				continue
			}
			if r.write(t, e, env) {
				delivered = true
			}
		}
		return delivered
	})
}

// Broadcast pushes an event to every subscribed connection.
func (r *Registry) Broadcast(event string, payload map[string]any) {
	env := notice.NewEnvelope(event, payload)
	r.post(func(t *tables) {
		for _, e := range t.allConns() {
			if !e.subscribed(event) {
				continue
			}
			r.write(t, e, env)
		}
	})
}

func (r *Registry) IsUserConnected(userID string) bool {
	return ask(r, func(t *tables) bool {
		return len(t.users[userID]) > 0
	})
}

func (r *Registry) ConnectionCount(userID string) int {
	return ask(r, func(t *tables) int {
		return len(t.users[userID])
	})
}

// Heartbeat probes every connection and disconnects the ones that fail,
// returning how many were removed. The Run loop calls this on its own
// interval; the exported form exists for callers that need an immediate probe.
func (r *Registry) Heartbeat() int {
	return ask(r, r.heartbeat)
}

// EvictStale disconnects connections older than maxAge regardless of
// activity and returns how many were evicted.
func (r *Registry) EvictStale(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)
	return ask(r, func(t *tables) int {
		evicted := 0
		for _, e := range t.allConns() {
			if e.connectedAt.After(cutoff) {
				continue
			}
			t.remove(e.id)
			go e.conn.Close(CloseStale)
			evicted++
		}
		if evicted > 0 {
			r.log.Info().Int("evicted", evicted).Dur("max_age", maxAge).Msg("evicted stale connections")
		}
		return evicted
	})
}

func (r *Registry) heartbeat(t *tables) int {
	dead := 0
	for _, e := range t.allConns() {
		if err := e.conn.Ping(); err != nil {
			r.log.Debug().Str("conn", e.id).Err(err).Msg("heartbeat probe failed")
			t.remove(e.id)
			go e.conn.Close(CloseDeadProbe)
			dead++
		}
	}
	return dead
}

// write pushes the envelope to one connection. A failed write disconnects
// that connection only; the error never reaches the producer.
func (r *Registry) write(t *tables, e *connEntry, env notice.Envelope) bool {
	if err := e.conn.WriteJSON(env); err != nil {
		r.log.Warn().Str("conn", e.id).Str("user", e.userID).Err(err).Msg("transport write failed, disconnecting")
		t.remove(e.id)
		go e.conn.Close(CloseWriteFailed)
		return false
	}
	return true
}

func (e *connEntry) subscribed(event string) bool {
	if _, ok := e.subs[SubscribeAll]; ok {
		return true
	}
	_, ok := e.subs[event]
	return ok
}

func (t *tables) remove(connID string) {
	e, ok := t.conns[connID]
	if !ok {
		return
	}
	delete(t.conns, connID)
	if e.userID != "" {
		if set, ok := t.users[e.userID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(t.users, e.userID)
			}
		}
	}
}

// userConns snapshots a user's entries so removal during iteration is safe.
func (t *tables) userConns(userID string) []*connEntry {
	out := make([]*connEntry, 0, len(t.users[userID]))
	for id := range t.users[userID] {
		if e, ok := t.conns[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (t *tables) allConns() []*connEntry {
	out := make([]*connEntry, 0, len(t.conns))
	for _, e := range t.conns {
		out = append(out, e)
	}
	return out
}
