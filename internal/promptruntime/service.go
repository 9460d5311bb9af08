// Package promptruntime drives one reconciliation loop per client
// connection: it feeds owner snapshots and client messages into the loop and
// carries out the effects the loop asks for.
package promptruntime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/promptsync/internal/actions"
	"github.com/ent0n29/promptsync/internal/observability"
	"github.com/ent0n29/promptsync/internal/protocol"
	"github.com/ent0n29/promptsync/internal/reconcile"
	"github.com/ent0n29/promptsync/internal/resolve"
	"github.com/ent0n29/promptsync/internal/session"
)

// Resolver is the part of resolve.Resolver the runtime depends on.
type Resolver interface {
	Resolve(ctx context.Context, req resolve.Request) (resolve.Result, error)
}

// Feed hands out per-owner snapshot subscriptions.
type Feed interface {
	Subscribe(ownerID string) (<-chan actions.Snapshot, func())
}

type Config struct {
	OpTimeout            time.Duration
	ResolveTimeout       time.Duration
	SessionCheckInterval time.Duration
	OutboundTimeout      time.Duration
	ChimeURL             string
}

type Service struct {
	cfg      Config
	store    actions.Store
	feed     Feed
	resolver Resolver
	sessions *session.Manager
	metrics  *observability.Metrics
	logger   *zap.Logger
}

func New(cfg Config, store actions.Store, feed Feed, resolver Resolver, sessions *session.Manager, metrics *observability.Metrics, logger *zap.Logger) *Service {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 15 * time.Second
	}
	if cfg.SessionCheckInterval <= 0 {
		cfg.SessionCheckInterval = 5 * time.Second
	}
	if cfg.OutboundTimeout <= 0 {
		cfg.OutboundTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		feed:     feed,
		resolver: resolver,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger.Named("promptruntime"),
	}
}

type resolveDone struct {
	recordID string
	result   resolve.Result
	err      error
	took     time.Duration
}

// connection is the state owned by a single RunConnection goroutine.
type connection struct {
	svc      *Service
	sess     *session.Session
	outbound chan<- any
	loop     *reconcile.Loop
	logger   *zap.Logger
	shownAt  time.Time
}

// RunConnection serves one client until ctx is done, inbound is closed or
// the session ends. A resolution in flight is always awaited before return.
func (svc *Service) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	if s == nil {
		return errors.New("promptruntime: nil session")
	}
	c := &connection{
		svc:      svc,
		sess:     s,
		outbound: outbound,
		loop:     reconcile.NewLoop(),
		logger:   svc.logger.With(zap.String("session_id", s.ID), zap.String("owner_id", s.OwnerID)),
	}
	c.sendSystem(ctx, "connected", "")

	snapshots, unsubscribe := svc.feed.Subscribe(s.OwnerID)
	defer unsubscribe()

	results := make(chan resolveDone, 1)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	sessionCheck := time.NewTicker(svc.cfg.SessionCheckInterval)
	defer sessionCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			c.observe(ctx, snap)
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			c.handleInbound(ctx, msg, results, &inflight)
		case done := <-results:
			c.finishResolve(ctx, done)
		case <-sessionCheck.C:
			if _, err := svc.sessions.GetActive(s.ID); err != nil {
				c.sendSystem(ctx, "session_ended", err.Error())
				return nil
			}
		}
	}
}

// Resolve serves resolutions that arrive without a websocket, e.g. from a
// notification action. Connected clients learn the outcome from the next
// snapshot.
func (svc *Service) Resolve(ctx context.Context, req resolve.Request) (resolve.Result, error) {
	started := time.Now()
	res, err := svc.resolver.Resolve(ctx, req)
	outcome := outcomeLabel(res, err)
	svc.metrics.ObserveResolution(outcome, 0)
	svc.metrics.ObserveStage("resolve_store", time.Since(started))
	if err != nil {
		svc.logger.Info("http resolve failed", zap.String("record_id", req.RecordID), zap.String("outcome", outcome), zap.Error(err))
	}
	return res, err
}

func (c *connection) observe(ctx context.Context, snap actions.Snapshot) {
	eff := c.loop.Observe(snap)
	if eff.Kind == reconcile.EffectNone {
		switch st := c.loop.State(); {
		case eff.Echo:
			c.svc.metrics.ObservePrompt("suppressed")
		case st.Phase == reconcile.PhasePrompting && st.Visible:
			c.svc.metrics.ObservePrompt("unchanged")
		}
		return
	}
	if eff.Kind == reconcile.EffectShow && !snap.At.IsZero() {
		c.svc.metrics.ObserveStage("snapshot_to_show", time.Since(snap.At))
	}
	c.apply(ctx, eff, "removed")
}

func (c *connection) handleInbound(ctx context.Context, msg any, results chan<- resolveDone, inflight *sync.WaitGroup) {
	_ = c.svc.sessions.Touch(c.sess.ID)

	switch m := msg.(type) {
	case protocol.PromptResolve:
		if err := c.loop.BeginResolve(m.RecordID); err != nil {
			c.send(ctx, protocol.ResolveResult{
				Type:      protocol.TypeResolveResult,
				SessionID: c.sess.ID,
				RecordID:  m.RecordID,
				Outcome:   "rejected",
				Detail:    err.Error(),
			})
			return
		}
		req := resolve.Request{
			RecordID: m.RecordID,
			OwnerID:  c.sess.OwnerID,
			Score:    m.Score,
			Comment:  m.Comment,
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			// The answer is persisted even if the client disconnects meanwhile.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.svc.cfg.ResolveTimeout)
			defer cancel()
			started := time.Now()
			res, err := c.svc.resolver.Resolve(rctx, req)
			results <- resolveDone{recordID: req.RecordID, result: res, err: err, took: time.Since(started)}
		}()
	case protocol.PromptDismiss:
		eff, err := c.loop.Dismiss(m.RecordID)
		if err != nil {
			c.sendError(ctx, "not_prompting", err.Error())
			return
		}
		if eff.Kind != reconcile.EffectNone {
			c.svc.metrics.ObservePrompt("dismissed")
		}
		c.apply(ctx, eff, "dismissed")
	case protocol.ClientControl:
		switch m.Action {
		case protocol.ControlPing:
			c.sendSystem(ctx, "pong", "")
		case protocol.ControlState:
			st := c.loop.State()
			c.sendSystem(ctx, "state", fmt.Sprintf("phase=%s tracked=%s visible=%t", st.Phase, st.TrackedID, st.Visible))
		default:
			c.sendError(ctx, "unsupported_control", "unknown action "+m.Action)
		}
	default:
		c.sendError(ctx, "unsupported_message", fmt.Sprintf("unexpected %T", msg))
	}
}

func (c *connection) finishResolve(ctx context.Context, done resolveDone) {
	outcome, label, retryable := classify(done.result, done.err)
	detail := ""
	if done.err != nil {
		detail = done.err.Error()
	}
	c.svc.metrics.ObserveStage("resolve_store", done.took)

	var shownFor time.Duration
	if !c.shownAt.IsZero() {
		shownFor = time.Since(c.shownAt)
	}
	c.svc.metrics.ObserveResolution(label, shownFor)

	eff, err := c.loop.FinishResolve(done.recordID, outcome)
	if err != nil {
		c.logger.Error("resolution finished outside resolving phase", zap.String("record_id", done.recordID), zap.Error(err))
		return
	}
	if outcome != reconcile.OutcomeFailed {
		_ = c.svc.sessions.NoteResolution(c.sess.ID)
	} else {
		c.logger.Warn("resolution failed", zap.String("record_id", done.recordID), zap.Bool("retryable", retryable), zap.Error(done.err))
	}

	c.send(ctx, protocol.ResolveResult{
		Type:      protocol.TypeResolveResult,
		SessionID: c.sess.ID,
		RecordID:  done.recordID,
		Outcome:   label,
		Retryable: retryable,
		Detail:    detail,
	})
	c.apply(ctx, eff, "resolved")
}

// classify maps a resolver return to the loop outcome, a wire label and
// whether retrying the same answer can succeed.
func classify(res resolve.Result, err error) (reconcile.Outcome, string, bool) {
	switch {
	case err == nil && res.Outcome == resolve.OutcomeInvalid:
		return reconcile.OutcomeInvalid, string(resolve.OutcomeInvalid), false
	case err == nil:
		return reconcile.OutcomeCompleted, string(resolve.OutcomeCompleted), false
	case errors.Is(err, resolve.ErrAlreadyResolved), errors.Is(err, actions.ErrNotFound):
		return reconcile.OutcomeCompleted, "already_resolved", false
	case errors.Is(err, resolve.ErrInvalidRequest), errors.Is(err, resolve.ErrForbidden):
		return reconcile.OutcomeFailed, "rejected", false
	default:
		return reconcile.OutcomeFailed, "failed", true
	}
}

func outcomeLabel(res resolve.Result, err error) string {
	_, label, _ := classify(res, err)
	return label
}

func (c *connection) apply(ctx context.Context, eff reconcile.Effect, hideReason string) {
	switch eff.Kind {
	case reconcile.EffectShow:
		if eff.MarkDisplayed {
			c.markDisplayed(ctx, eff.Record.ID)
		}
		c.shownAt = time.Now()
		c.svc.metrics.ObservePrompt("shown")
		_ = c.svc.sessions.NotePrompt(c.sess.ID, eff.Record.ID)
		c.send(ctx, protocol.PromptShow{
			Type:        protocol.TypePromptShow,
			SessionID:   c.sess.ID,
			RecordID:    eff.Record.ID,
			Kind:        string(eff.Record.Kind),
			SubjectID:   eff.Record.SubjectID,
			SubjectName: c.subjectName(ctx, eff.Record.SubjectID),
			Note:        eff.Record.Note,
			CreatedAt:   eff.Record.CreatedAt,
			ChimeURL:    c.svc.cfg.ChimeURL,
		})
	case reconcile.EffectHide:
		c.shownAt = time.Time{}
		c.svc.metrics.ObservePrompt("hidden")
		_ = c.svc.sessions.NotePrompt(c.sess.ID, "")
		c.send(ctx, protocol.PromptHide{
			Type:      protocol.TypePromptHide,
			SessionID: c.sess.ID,
			RecordID:  eff.Record.ID,
			Reason:    hideReason,
		})
	}
}

// markDisplayed writes the displayed status once. Losing the race to another
// writer is expected and ignored.
func (c *connection) markDisplayed(ctx context.Context, recordID string) {
	opCtx, cancel := context.WithTimeout(ctx, c.svc.cfg.OpTimeout)
	defer cancel()
	started := time.Now()
	_, err := c.svc.store.Transition(opCtx, recordID, actions.StatusDisplayed, actions.StatusPending)
	c.svc.metrics.ObserveStage("mark_displayed", time.Since(started))
	switch {
	case err == nil:
		c.svc.metrics.ObservePrompt("marked")
	case errors.Is(err, actions.ErrStaleTransition), errors.Is(err, actions.ErrNotFound):
		c.logger.Debug("displayed write skipped", zap.String("record_id", recordID), zap.Error(err))
	default:
		c.logger.Warn("displayed write failed", zap.String("record_id", recordID), zap.Error(err))
	}
}

func (c *connection) subjectName(ctx context.Context, subjectID string) string {
	opCtx, cancel := context.WithTimeout(ctx, c.svc.cfg.OpTimeout)
	defer cancel()
	subject, err := c.svc.store.GetSubject(opCtx, subjectID)
	if err != nil {
		return ""
	}
	return subject.Name
}

func (c *connection) sendSystem(ctx context.Context, code, detail string) {
	c.send(ctx, protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: c.sess.ID,
		Code:      code,
		Detail:    detail,
	})
}

func (c *connection) sendError(ctx context.Context, code, detail string) {
	c.send(ctx, protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.sess.ID,
		Code:      code,
		Source:    "promptruntime",
		Detail:    detail,
	})
}

// send waits up to OutboundTimeout for the writer before dropping msg.
func (c *connection) send(ctx context.Context, msg any) {
	msgType, _ := protocol.TypeOf(msg)
	timer := time.NewTimer(c.svc.cfg.OutboundTimeout)
	defer timer.Stop()
	select {
	case c.outbound <- msg:
		c.svc.metrics.ObserveMessage("outbound", string(msgType))
	case <-ctx.Done():
	case <-timer.C:
		c.svc.metrics.ObserveSessionEvent("outbound_drop")
		c.logger.Warn("outbound message dropped", zap.String("type", string(msgType)))
	}
}
