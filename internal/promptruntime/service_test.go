package promptruntime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ent0n29/promptsync/internal/actions"
	"github.com/ent0n29/promptsync/internal/feed"
	"github.com/ent0n29/promptsync/internal/observability"
	"github.com/ent0n29/promptsync/internal/protocol"
	"github.com/ent0n29/promptsync/internal/resolve"
	"github.com/ent0n29/promptsync/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var namespaceSeq atomic.Int32

type harness struct {
	store    actions.Store
	mem      *actions.MemoryStore
	metrics  *observability.Metrics
	hub      *feed.Hub
	sessions *session.Manager
	svc      *Service
	sess     *session.Session
	inbound  chan any
	outbound chan any
	cancel   context.CancelFunc
	done     chan error
}

func newHarness(t *testing.T, store actions.Store, mem *actions.MemoryStore) *harness {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("promptruntime_test_%d", namespaceSeq.Add(1)))
	hub := feed.NewHub(store, nil, metrics, time.Second)
	mem.SetChangeHook(hub.Notify)

	sessions := session.NewManager(time.Minute)
	resolver := resolve.New(store, resolve.Config{MaxAttempts: 1, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond}, nil)
	svc := New(Config{SessionCheckInterval: 20 * time.Millisecond, ChimeURL: "/v1/assets/prompt-chime.wav"}, store, hub, resolver, sessions, metrics, nil)
	sess, err := sessions.Create("u1", "phone")
	require.NoError(t, err)

	return &harness{
		store:    store,
		mem:      mem,
		metrics:  metrics,
		hub:      hub,
		sessions: sessions,
		svc:      svc,
		sess:     sess,
		inbound:  make(chan any, 16),
		outbound: make(chan any, 64),
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.svc.RunConnection(ctx, h.sess, h.inbound, h.outbound) }()
	t.Cleanup(h.stop)

	connected := next(t, h.outbound)
	ev, ok := connected.(protocol.SystemEvent)
	require.True(t, ok, "first message %T", connected)
	require.Equal(t, "connected", ev.Code)
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func next(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound message")
		return nil
	}
}

func nextOf[T any](t *testing.T, ch <-chan any) T {
	t.Helper()
	msg := next(t, ch)
	typed, ok := msg.(T)
	require.True(t, ok, "got %T %+v", msg, msg)
	return typed
}

// waitFor skips messages until pred matches.
func waitFor(t *testing.T, ch <-chan any, pred func(any) bool) any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-ch:
			if pred(msg) {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching message")
			return nil
		}
	}
}

func quiet(t *testing.T, ch <-chan any) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %T %+v", msg, msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func seed(t *testing.T, st actions.Store, subject string) actions.Record {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.SaveSubject(ctx, actions.Subject{ID: subject, Name: "Partner " + subject}))
	rec, _, err := st.CreateRecord(ctx, actions.CreateRequest{OwnerID: "u1", SubjectID: subject})
	require.NoError(t, err)
	return rec
}

func TestShowMarksDisplayedOnceAndResolveHides(t *testing.T) {
	mem := actions.NewMemoryStore()
	h := newHarness(t, mem, mem)
	rec := seed(t, mem, "p1")
	h.start(t)

	show := nextOf[protocol.PromptShow](t, h.outbound)
	assert.Equal(t, rec.ID, show.RecordID)
	assert.Equal(t, "Partner p1", show.SubjectName)
	assert.Equal(t, "/v1/assets/prompt-chime.wav", show.ChimeURL)

	got, err := mem.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, actions.StatusDisplayed, got.Status)

	// The displayed write echoes back as a snapshot and must not re-prompt.
	quiet(t, h.outbound)
	suppressed := h.metrics.PromptEvents.WithLabelValues("suppressed")
	unchanged := h.metrics.PromptEvents.WithLabelValues("unchanged")
	assert.Eventually(t, func() bool { return testutil.ToFloat64(suppressed) == 1 }, time.Second, 5*time.Millisecond)

	// A repeated snapshot with nothing new is counted apart from the echo.
	h.hub.Notify("u1")
	quiet(t, h.outbound)
	assert.Eventually(t, func() bool { return testutil.ToFloat64(unchanged) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(suppressed))

	h.inbound <- protocol.PromptResolve{Type: protocol.TypePromptResolve, SessionID: h.sess.ID, RecordID: rec.ID, Score: 5}
	result := nextOf[protocol.ResolveResult](t, h.outbound)
	assert.Equal(t, "completed", result.Outcome)
	hide := nextOf[protocol.PromptHide](t, h.outbound)
	assert.Equal(t, rec.ID, hide.RecordID)
	quiet(t, h.outbound)

	got, err = mem.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, actions.StatusCompleted, got.Status)

	s, err := h.sessions.Get(h.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.PromptsShown)
	assert.Equal(t, 1, s.Resolutions)
}

func TestTwoRecordsArePromptedNewestFirst(t *testing.T) {
	mem := actions.NewMemoryStore()
	h := newHarness(t, mem, mem)
	older := seed(t, mem, "p1")
	time.Sleep(2 * time.Millisecond)
	newer := seed(t, mem, "p2")
	h.start(t)

	show := nextOf[protocol.PromptShow](t, h.outbound)
	require.Equal(t, newer.ID, show.RecordID)

	h.inbound <- protocol.PromptResolve{Type: protocol.TypePromptResolve, SessionID: h.sess.ID, RecordID: newer.ID, Score: 3}
	result := nextOf[protocol.ResolveResult](t, h.outbound)
	assert.Equal(t, "completed", result.Outcome)

	msg := waitFor(t, h.outbound, func(m any) bool {
		_, ok := m.(protocol.PromptShow)
		return ok
	})
	assert.Equal(t, older.ID, msg.(protocol.PromptShow).RecordID)
	quiet(t, h.outbound)
}

func TestMissingSubjectResolvesInvalid(t *testing.T) {
	mem := actions.NewMemoryStore()
	h := newHarness(t, mem, mem)
	rec := seed(t, mem, "p1")
	require.NoError(t, mem.DeleteSubject(context.Background(), "p1"))
	h.start(t)

	nextOf[protocol.PromptShow](t, h.outbound)
	h.inbound <- protocol.PromptResolve{Type: protocol.TypePromptResolve, SessionID: h.sess.ID, RecordID: rec.ID, Score: 1}
	result := nextOf[protocol.ResolveResult](t, h.outbound)
	assert.Equal(t, "invalid", result.Outcome)
	nextOf[protocol.PromptHide](t, h.outbound)
}

// brokenStore fails every completion with a transient error.
type brokenStore struct {
	actions.Store
}

func (brokenStore) Complete(context.Context, actions.Outcome) (actions.Record, error) {
	return actions.Record{}, errors.New("database is locked")
}

func TestFailedResolutionReoffersPrompt(t *testing.T) {
	mem := actions.NewMemoryStore()
	h := newHarness(t, brokenStore{Store: mem}, mem)
	rec := seed(t, mem, "p1")
	h.start(t)

	nextOf[protocol.PromptShow](t, h.outbound)
	h.inbound <- protocol.PromptResolve{Type: protocol.TypePromptResolve, SessionID: h.sess.ID, RecordID: rec.ID, Score: 4}

	result := nextOf[protocol.ResolveResult](t, h.outbound)
	assert.Equal(t, "failed", result.Outcome)
	assert.True(t, result.Retryable)
	again := nextOf[protocol.PromptShow](t, h.outbound)
	assert.Equal(t, rec.ID, again.RecordID)

	got, err := mem.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, actions.StatusDisplayed, got.Status)
}

func TestResolutionElsewhereHidesPrompt(t *testing.T) {
	mem := actions.NewMemoryStore()
	h := newHarness(t, mem, mem)
	rec := seed(t, mem, "p1")
	h.start(t)
	nextOf[protocol.PromptShow](t, h.outbound)

	res, err := h.svc.Resolve(context.Background(), resolve.Request{RecordID: rec.ID, OwnerID: "u1", Score: 2})
	require.NoError(t, err)
	assert.Equal(t, resolve.OutcomeCompleted, res.Outcome)

	hide := nextOf[protocol.PromptHide](t, h.outbound)
	assert.Equal(t, rec.ID, hide.RecordID)
	assert.Equal(t, "removed", hide.Reason)
}

func TestDismissAndControlMessages(t *testing.T) {
	mem := actions.NewMemoryStore()
	h := newHarness(t, mem, mem)
	rec := seed(t, mem, "p1")
	h.start(t)
	nextOf[protocol.PromptShow](t, h.outbound)

	h.inbound <- protocol.PromptDismiss{Type: protocol.TypePromptDismiss, SessionID: h.sess.ID, RecordID: rec.ID}
	hide := nextOf[protocol.PromptHide](t, h.outbound)
	assert.Equal(t, "dismissed", hide.Reason)

	h.inbound <- protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: h.sess.ID, Action: protocol.ControlPing}
	pong := nextOf[protocol.SystemEvent](t, h.outbound)
	assert.Equal(t, "pong", pong.Code)

	h.inbound <- protocol.PromptResolve{Type: protocol.TypePromptResolve, SessionID: h.sess.ID, RecordID: "other", Score: 1}
	rejected := nextOf[protocol.ResolveResult](t, h.outbound)
	assert.Equal(t, "rejected", rejected.Outcome)

	h.inbound <- protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: h.sess.ID, Action: "dance"}
	errEvent := nextOf[protocol.ErrorEvent](t, h.outbound)
	assert.Equal(t, "unsupported_control", errEvent.Code)
}

func TestEndedSessionStopsConnection(t *testing.T) {
	mem := actions.NewMemoryStore()
	h := newHarness(t, mem, mem)
	h.start(t)

	_, err := h.sessions.End(h.sess.ID)
	require.NoError(t, err)

	ev := waitFor(t, h.outbound, func(m any) bool {
		e, ok := m.(protocol.SystemEvent)
		return ok && e.Code == "session_ended"
	})
	require.NotNil(t, ev)
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(time.Second):
		t.Fatalf("RunConnection did not return")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err       error
		label     string
		retryable bool
	}{
		{nil, "completed", false},
		{resolve.ErrAlreadyResolved, "already_resolved", false},
		{actions.ErrNotFound, "already_resolved", false},
		{resolve.ErrForbidden, "rejected", false},
		{fmt.Errorf("%w: boom", resolve.ErrRetryable), "failed", true},
	}
	for _, tc := range cases {
		_, label, retryable := classify(resolve.Result{Outcome: resolve.OutcomeCompleted}, tc.err)
		assert.Equal(t, tc.label, label)
		assert.Equal(t, tc.retryable, retryable)
	}
}
