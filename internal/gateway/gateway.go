// Package gateway is the dispatch gateway between the agents and the outside
// world. It owns the shared per-patient transcript, relays it to live
// subscribers, starts downstream agents on hand-off and routes patient
// replies to the agent that owns the current turn.
//
// Deliver and RouteNext are fire-and-forget. They enqueue a task on the
// dispatch pool and return; the outcome shows up only in logs and metrics.
// Tasks of one patient run in submission order, so a closing utterance is in
// the transcript before the summarizer reads it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/IvaBojic/GoalGuardian/internal/agent"
	"github.com/IvaBojic/GoalGuardian/internal/dispatch"
	"github.com/IvaBojic/GoalGuardian/internal/metrics"
	"github.com/IvaBojic/GoalGuardian/internal/notify"
	"github.com/IvaBojic/GoalGuardian/internal/store"
	"github.com/IvaBojic/GoalGuardian/internal/telemetry"
	"github.com/IvaBojic/GoalGuardian/internal/workflow"
	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// Starter begins an agent's stage.
type Starter func(ctx context.Context, req models.BeginRequest) error

// Replier hands a patient reply to an agent.
type Replier interface {
	Continue(ctx context.Context, req models.ContinueRequest) (*agent.ContinueResult, error)
}

// Options configure a Gateway. Notifier and Metrics may be nil.
type Options struct {
	Pool     *dispatch.Pool
	Hub      *Hub
	Notifier *notify.Service
	Metrics  *metrics.Metrics
	Bounds   workflow.Boundaries
	// HandoffTimeout bounds a downstream Begin, which includes text generation.
	HandoffTimeout time.Duration
}

// Gateway implements agent.Dispatcher.
type Gateway struct {
	transcripts store.RecordStore
	opts        Options
	locks       *agent.KeyedMutex

	mu       sync.RWMutex
	starters map[models.AgentName]Starter
	repliers map[models.AgentName]Replier
}

var _ agent.Dispatcher = (*Gateway)(nil)

func New(transcripts store.RecordStore, opts Options) *Gateway {
	if opts.Hub == nil {
		opts.Hub = NewHub(0, opts.Metrics)
	}
	return &Gateway{
		transcripts: transcripts,
		opts:        opts,
		locks:       agent.NewKeyedMutex(),
		starters:    make(map[models.AgentName]Starter),
		repliers:    make(map[models.AgentName]Replier),
	}
}

// Register makes an agent reachable. reply may be nil for agents that take
// no patient replies.
func (g *Gateway) Register(name models.AgentName, start Starter, reply Replier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.starters[name] = start
	if reply != nil {
		g.repliers[name] = reply
	}
}

// Hub returns the live relay.
func (g *Gateway) Hub() *Hub { return g.opts.Hub }

// ── Deliver ─────────────────────────────────────────────────

// Deliver queues an agent utterance for the transcript. A delivery at the
// opener's start turn begins a fresh transcript for a new review.
func (g *Gateway) Deliver(_ context.Context, patientID models.PatientID, turn int, message string) {
	err := g.opts.Pool.Submit(dispatch.Task{
		Name:      "deliver",
		PatientID: patientID,
		Run: func(ctx context.Context) error {
			err := g.deliver(ctx, patientID, turn, message)
			g.countDelivery(err)
			return err
		},
	})
	if err != nil {
		g.countDelivery(err)
	}
}

func (g *Gateway) deliver(ctx context.Context, patientID models.PatientID, turn int, message string) error {
	msg := models.ChatMessage{Role: models.RoleAssistant, Content: message}
	patch := models.RecordPatch{
		PatientID: patientID,
		TurnIndex: models.IntPtr(turn),
		Status:    models.StatusPtr(models.RecordActive),
	}
	if turn == g.opts.Bounds.OpenerStart {
		patch.ChatHistory = []models.ChatMessage{msg}
	} else {
		patch.AppendHistory = []models.ChatMessage{msg}
	}

	unlock := g.locks.Lock(patientID)
	_, err := g.transcripts.Merge(ctx, patch)
	if err == nil {
		g.opts.Hub.Publish(patientID, turn, msg)
	}
	unlock()
	if err != nil {
		return fmt.Errorf("append to transcript: %w", err)
	}

	log.Debug().Str("patient_id", patientID).Int("turn_index", turn).Msg("Utterance delivered")
	if g.opts.Notifier.Enabled() {
		g.opts.Notifier.Dispatch(ctx, notify.NewEvent(notify.EventUtteranceDelivered, patientID, turn, message))
	}
	return nil
}

func (g *Gateway) countDelivery(err error) {
	if g.opts.Metrics != nil {
		g.opts.Metrics.Deliveries.WithLabelValues(metrics.Outcome(err)).Inc()
	}
}

// ── RouteNext ───────────────────────────────────────────────

// RouteNext queues the start of target's stage. The summarizer receives the
// whole transcript; every other agent receives the turn index.
func (g *Gateway) RouteNext(_ context.Context, patientID models.PatientID, turn int, target models.AgentName) {
	h := models.Handoff{ID: uuid.New().String(), PatientID: patientID, TurnIndex: turn, Target: target}
	err := g.opts.Pool.Submit(dispatch.Task{
		Name:      "route_next:" + string(target),
		PatientID: patientID,
		Timeout:   g.opts.HandoffTimeout,
		Run: func(ctx context.Context) error {
			err := g.routeNext(ctx, h)
			g.countHandoff(target, err)
			return err
		},
	})
	if err != nil {
		g.countHandoff(target, err)
	}
}

func (g *Gateway) routeNext(ctx context.Context, h models.Handoff) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway.route_next", h.PatientID,
		telemetry.AttrAgent.String(string(h.Target)), telemetry.AttrTurn.Int(h.TurnIndex))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	g.mu.RLock()
	start, ok := g.starters[h.Target]
	g.mu.RUnlock()
	if !ok {
		log.Error().Str("patient_id", h.PatientID).Str("target_agent", string(h.Target)).Msg("Hand-off to unknown agent")
		return fmt.Errorf("%w: %s", agent.ErrUnknownAgent, h.Target)
	}

	req := models.BeginRequest{PatientID: h.PatientID}
	if h.Target == models.AgentSummarizer {
		rec, err := g.transcripts.Get(ctx, h.PatientID)
		if err != nil {
			return fmt.Errorf("load transcript for summary: %w", err)
		}
		h.ChatHistory = rec.ChatHistory
		req.ChatHistory = rec.ChatHistory
	} else {
		req.TurnIndex = h.TurnIndex
	}

	if err := start(ctx, req); err != nil {
		return fmt.Errorf("begin %s: %w", h.Target, err)
	}
	log.Info().Str("handoff_id", h.ID).Str("patient_id", h.PatientID).Str("target_agent", string(h.Target)).
		Int("turn_index", h.TurnIndex).Msg("Hand-off complete")

	if g.opts.Notifier.Enabled() {
		switch h.Target {
		case models.AgentOpener:
			g.opts.Notifier.Dispatch(ctx, notify.NewEvent(notify.EventReviewTriggered, h.PatientID, h.TurnIndex, ""))
		case models.AgentSummarizer:
			g.opts.Notifier.Dispatch(ctx, notify.NewEvent(notify.EventReviewSummarized, h.PatientID, h.TurnIndex, ""))
		}
	}
	return nil
}

func (g *Gateway) countHandoff(target models.AgentName, err error) {
	if g.opts.Metrics != nil {
		g.opts.Metrics.Handoffs.WithLabelValues(string(target), metrics.Outcome(err)).Inc()
	}
}

// ── Replies ─────────────────────────────────────────────────

// SubmitReply routes a patient reply to the agent owning the transcript's
// current turn. The reply is appended before the agent is called, which
// refuses a second reply while the first still awaits an agent utterance, and
// is taken back out if the agent fails or ignores it. The transcript lock is
// not held during the agent call so deliveries keep flowing.
func (g *Gateway) SubmitReply(ctx context.Context, patientID models.PatientID, input string) (*models.ReplyResponse, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, &agent.ValidationError{Field: "patient_id", Reason: "required"}
	}

	msg := models.ChatMessage{Role: models.RoleUser, Content: input}
	target, turn, err := g.appendReply(ctx, patientID, msg)
	if err != nil {
		return nil, err
	}

	g.mu.RLock()
	replier := g.repliers[target]
	g.mu.RUnlock()

	res, err := replier.Continue(ctx, models.ContinueRequest{PatientID: patientID, TurnIndex: &turn, UserInput: input})
	if err != nil {
		g.withdrawReply(patientID, msg)
		return nil, err
	}
	if res.Action == workflow.ActionTerminate {
		g.withdrawReply(patientID, msg)
		return &models.ReplyResponse{Status: "ignored", Agent: target, TurnIndex: turn}, nil
	}
	return &models.ReplyResponse{Status: "accepted", Agent: target, TurnIndex: res.TurnIndex}, nil
}

func (g *Gateway) appendReply(ctx context.Context, patientID models.PatientID, msg models.ChatMessage) (models.AgentName, int, error) {
	unlock := g.locks.Lock(patientID)
	defer unlock()

	rec, err := g.Transcript(ctx, patientID)
	if err != nil {
		return "", 0, err
	}
	target, err := g.opts.Bounds.RouteReply(rec.TurnIndex)
	if err != nil {
		return "", 0, err
	}
	if n := len(rec.ChatHistory); n > 0 && rec.ChatHistory[n-1].Role == models.RoleUser {
		return "", 0, fmt.Errorf("%w: waiting for the %s agent", agent.ErrStaleTurn, target)
	}
	g.mu.RLock()
	_, ok := g.repliers[target]
	g.mu.RUnlock()
	if !ok {
		return "", 0, fmt.Errorf("%w: %s", agent.ErrUnknownAgent, target)
	}

	if _, err := g.transcripts.Merge(ctx, models.RecordPatch{PatientID: patientID, AppendHistory: []models.ChatMessage{msg}}); err != nil {
		return "", 0, fmt.Errorf("append reply to transcript: %w", err)
	}
	g.opts.Hub.Publish(patientID, rec.TurnIndex, msg)
	return target, rec.TurnIndex, nil
}

// withdrawReply drops msg if it is still the last transcript entry.
func (g *Gateway) withdrawReply(patientID models.PatientID, msg models.ChatMessage) {
	unlock := g.locks.Lock(patientID)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := g.transcripts.Get(ctx, patientID)
	if err != nil {
		log.Warn().Err(err).Str("patient_id", patientID).Msg("Withdraw reply: transcript unavailable")
		return
	}
	n := len(rec.ChatHistory)
	if n == 0 || rec.ChatHistory[n-1] != msg {
		return
	}
	history := append([]models.ChatMessage{}, rec.ChatHistory[:n-1]...)
	if _, err := g.transcripts.Merge(ctx, models.RecordPatch{PatientID: patientID, ChatHistory: history}); err != nil {
		log.Warn().Err(err).Str("patient_id", patientID).Msg("Withdraw reply failed")
	}
}

// Transcript returns the shared transcript of a patient.
func (g *Gateway) Transcript(ctx context.Context, patientID models.PatientID) (*models.ConversationRecord, error) {
	rec, err := g.transcripts.Get(ctx, patientID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, agent.ErrNoActiveSession
		}
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	return rec, nil
}
