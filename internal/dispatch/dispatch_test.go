package dispatch

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushdeck/internal/correlator"
	"pushdeck/internal/notice"
	"pushdeck/internal/queue"
	"pushdeck/internal/registry"
	"pushdeck/internal/store"
)

type wsStub struct {
	mu     sync.Mutex
	events []notice.Envelope
}

func (c *wsStub) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, v.(notice.Envelope))
	return nil
}

func (c *wsStub) Ping() error               { return nil }
func (c *wsStub) Close(reason string) error { return nil }

// lastID returns the notification id of the most recent event of the given
// type, if any arrived yet.
func (c *wsStub) lastID(event string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == event {
			return c.events[i].Payload["notification_id"].(string), true
		}
	}
	return "", false
}

type harness struct {
	disp   *Dispatcher
	st     *store.Store
	reg    *registry.Registry
	corr   *correlator.Correlator
	q      *queue.Queue
	dbPath string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "pushdeck.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Init(context.Background()))

	reg := registry.New(registry.Config{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	corr := correlator.New(zerolog.Nop())
	q := queue.New(reg, st, zerolog.Nop())
	return &harness{
		disp:   New(cfg, st, reg, q, corr, zerolog.Nop()),
		st:     st,
		reg:    reg,
		corr:   corr,
		q:      q,
		dbPath: dbPath,
	}
}

func (h *harness) connect(t *testing.T, user string) *wsStub {
	t.Helper()
	conn := &wsStub{}
	h.reg.Connect("conn-"+user, user, conn, nil)
	require.Eventually(t, func() bool { return h.reg.IsUserConnected(user) }, time.Second, 5*time.Millisecond)
	return conn
}

func askRequest(timeoutSeconds int, def string) notice.SendRequest {
	return notice.SendRequest{
		Message:           "deploy to production?",
		TargetUser:        "u1",
		ResponseRequested: true,
		ResponseType:      notice.ResponseYesNo,
		TimeoutSeconds:    timeoutSeconds,
		ResponseDefault:   &def,
	}
}

func TestFireAndForgetDelivered(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connect(t, "u1")

	result, err := h.disp.Send(context.Background(), notice.SendRequest{
		Message:    "build finished",
		TargetUser: "u1",
		Priority:   notice.PriorityHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, notice.SendStatusDelivered, result.Status)

	rec, err := h.st.Get(context.Background(), result.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, notice.StateDelivered, rec.State)

	id, ok := conn.lastID(notice.EventNotification)
	require.True(t, ok)
	assert.Equal(t, result.NotificationID, id)
}

func TestFireAndForgetRecipientUnavailable(t *testing.T) {
	h := newHarness(t, Config{})

	result, err := h.disp.Send(context.Background(), notice.SendRequest{
		Message:    "build finished",
		TargetUser: "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, notice.SendStatusUnavailable, result.Status)

	rec, err := h.st.Get(context.Background(), result.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, notice.StateQueued, rec.State)
}

func TestValidationRejectedBeforeAnyState(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.disp.Send(context.Background(), notice.SendRequest{TargetUser: "u1"})
	var verr *notice.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "message", verr.Field)

	records, err := h.st.ListForRecipient(context.Background(), "u1", true)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestResponseRequiredHappyPath(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connect(t, "u1")

	type sendOut struct {
		result notice.SendResult
		err    error
	}
	results := make(chan sendOut, 1)
	go func() {
		result, err := h.disp.Send(context.Background(), askRequest(30, "no"))
		results <- sendOut{result, err}
	}()

	var id string
	require.Eventually(t, func() bool {
		var ok bool
		id, ok = conn.lastID(notice.EventNotification)
		return ok
	}, time.Second, 5*time.Millisecond)

	rec, err := h.disp.SubmitResponse(context.Background(), id, "yes")
	require.NoError(t, err)
	assert.Equal(t, notice.StateResponded, rec.State)

	select {
	case out := <-results:
		require.NoError(t, out.err)
		assert.Equal(t, notice.SendStatusResponded, out.result.Status)
		require.NotNil(t, out.result.Response)
		assert.Equal(t, "yes", *out.result.Response)
		assert.False(t, out.result.DefaultUsed)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not resolve after response")
	}

	stored, err := h.st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, notice.StateResponded, stored.State)
	assert.Equal(t, "yes", stored.Response)

	_, ok := conn.lastID(notice.EventResponded)
	assert.True(t, ok, "responded event pushed for UI reconciliation")
}

func TestResponseRequiredTimeoutAppliesDefault(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connect(t, "u1")

	result, err := h.disp.Send(context.Background(), askRequest(1, "no"))
	require.NoError(t, err)
	assert.Equal(t, notice.SendStatusExpired, result.Status)
	require.NotNil(t, result.Response)
	assert.Equal(t, "no", *result.Response)
	assert.True(t, result.DefaultUsed)
	assert.True(t, result.Timeout)

	rec, err := h.st.Get(context.Background(), result.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, notice.StateExpired, rec.State)
	assert.Equal(t, "no", rec.Response)

	require.Eventually(t, func() bool {
		_, ok := conn.lastID(notice.EventExpired)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestResponseRequiredOfflineWithDefault(t *testing.T) {
	h := newHarness(t, Config{})

	start := time.Now()
	result, err := h.disp.Send(context.Background(), askRequest(30, "no"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "offline path never suspends")

	assert.Equal(t, notice.SendStatusOffline, result.Status)
	require.NotNil(t, result.Response)
	assert.Equal(t, "no", *result.Response)
	assert.True(t, result.DefaultUsed)

	rec, err := h.st.Get(context.Background(), result.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, notice.StateExpired, rec.State)
	assert.Equal(t, "no", rec.Response)
	assert.Equal(t, 0, h.corr.Pending())
}

func TestResponseRequiredOfflineWithoutDefault(t *testing.T) {
	h := newHarness(t, Config{})

	req := askRequest(30, "")
	req.ResponseDefault = nil
	_, err := h.disp.Send(context.Background(), req)
	require.ErrorIs(t, err, ErrOfflineNoDefault)

	records, err := h.st.ListForRecipient(context.Background(), "u1", true)
	require.NoError(t, err)
	assert.Empty(t, records, "nothing persisted on the fail-fast path")
}

func TestSubmitResponseUnknownID(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.disp.SubmitResponse(context.Background(), "missing", "yes")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateResponseRejected(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.connect(t, "u1")

	go func() {
		_, _ = h.disp.Send(context.Background(), askRequest(30, "no"))
	}()
	var id string
	require.Eventually(t, func() bool {
		var ok bool
		id, ok = conn.lastID(notice.EventNotification)
		return ok
	}, time.Second, 5*time.Millisecond)

	_, err := h.disp.SubmitResponse(context.Background(), id, "yes")
	require.NoError(t, err)

	_, err = h.disp.SubmitResponse(context.Background(), id, "no")
	require.ErrorIs(t, err, ErrDuplicateResponse)

	rec, err := h.st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "yes", rec.Response)
}

func TestLateResponseWithinGrace(t *testing.T) {
	h := newHarness(t, Config{GracePeriod: 5 * time.Minute})
	h.connect(t, "u1")

	result, err := h.disp.Send(context.Background(), askRequest(1, "no"))
	require.NoError(t, err)
	require.Equal(t, notice.SendStatusExpired, result.Status)

	// The sender already resolved with the default; the late answer still
	// lands in the record.
	rec, err := h.disp.SubmitResponse(context.Background(), result.NotificationID, "yes")
	require.NoError(t, err)
	assert.Equal(t, "yes", rec.Response)

	_, err = h.disp.SubmitResponse(context.Background(), result.NotificationID, "no")
	require.ErrorIs(t, err, ErrDuplicateResponse)
}

func TestLateResponseBeyondGraceRejected(t *testing.T) {
	h := newHarness(t, Config{GracePeriod: time.Millisecond})
	h.connect(t, "u1")

	result, err := h.disp.Send(context.Background(), askRequest(1, "no"))
	require.NoError(t, err)
	require.Equal(t, notice.SendStatusExpired, result.Status)

	time.Sleep(50 * time.Millisecond)
	_, err = h.disp.SubmitResponse(context.Background(), result.NotificationID, "yes")
	require.ErrorIs(t, err, ErrGraceExceeded)

	rec, err := h.st.Get(context.Background(), result.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, notice.StateExpired, rec.State)
	assert.Equal(t, "no", rec.Response)
}

func TestSubmitResponseOnFireAndForget(t *testing.T) {
	h := newHarness(t, Config{})

	result, err := h.disp.Send(context.Background(), notice.SendRequest{
		Message:    "fyi",
		TargetUser: "u1",
	})
	require.NoError(t, err)

	_, err = h.disp.SubmitResponse(context.Background(), result.NotificationID, "yes")
	var verr *notice.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestStoreFailureReleasesWait(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t, "u1")

	// Reject the created to queued transition so the send fails between
	// wait registration and suspension.
	db, err := sql.Open("sqlite", h.dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TRIGGER reject_queued BEFORE UPDATE OF state ON notifications
		WHEN NEW.state = 'queued' BEGIN SELECT RAISE(ABORT, 'state change rejected'); END`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = h.disp.Send(context.Background(), askRequest(30, "no"))
	require.Error(t, err)
	assert.Equal(t, 0, h.corr.Pending(), "failed send must not leave a wait behind")

	// The id is free again: a later wait for it registers cleanly.
	records, listErr := h.st.ListForRecipient(context.Background(), "u1", true)
	require.NoError(t, listErr)
	require.Len(t, records, 1)
	_, ok := h.corr.Register(records[0].ID)
	assert.True(t, ok)
}

func TestCancelledSendReleasesWait(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t, "u1")

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := h.disp.Send(ctx, askRequest(30, "no"))
		errs <- err
	}()

	require.Eventually(t, func() bool { return h.corr.Pending() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled send did not return")
	}
	assert.Equal(t, 0, h.corr.Pending())
	assert.Equal(t, 0, h.q.Len(), "cancelled send leaves nothing buffered")
}
