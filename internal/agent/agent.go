// Package agent implements the conversational agents of the weekly review.
//
// One Agent runtime serves each turn-indexed stage (opener, goal review,
// closer); the stage's behavior comes entirely from its workflow.Plan. The
// runtime owns the stage's record store and talks to the rest of the system
// only through a Dispatcher:
//
//	Begin    → fetch context → generate opening → persist → Deliver
//	Continue → check turn → decide → generate? → persist → Deliver / RouteNext
//
// The Summarizer closes the chain and is not turn indexed.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/IvaBojic/GoalGuardian/internal/llm"
	"github.com/IvaBojic/GoalGuardian/internal/metrics"
	"github.com/IvaBojic/GoalGuardian/internal/patientctx"
	"github.com/IvaBojic/GoalGuardian/internal/store"
	"github.com/IvaBojic/GoalGuardian/internal/telemetry"
	"github.com/IvaBojic/GoalGuardian/internal/workflow"
	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// Dispatcher carries agent output to the rest of the system. Both calls are
// fire-and-forget: they return once the work is queued and report failures
// only through logs and metrics.
type Dispatcher interface {
	Deliver(ctx context.Context, patientID models.PatientID, turn int, message string)
	RouteNext(ctx context.Context, patientID models.PatientID, turn int, target models.AgentName)
}

// ContextKind selects what an agent fetches from the patient context source
// when it begins.
type ContextKind int

const (
	ContextNone ContextKind = iota
	ContextNotes
	ContextGoals
)

// Deps are the collaborators of an Agent.
type Deps struct {
	Plan        *workflow.Plan
	Records     store.RecordStore
	Context     patientctx.Source
	Fetch       ContextKind
	Generator   llm.Generator
	Dispatcher  Dispatcher
	Metrics     *metrics.Metrics
	Temperature float64
	// Now defaults to time.Now.
	Now func() time.Time
}

// Agent is the runtime of one turn-indexed stage.
type Agent struct {
	deps  Deps
	locks *KeyedMutex
}

// BeginResult describes the opening utterance of a stage.
type BeginResult struct {
	PatientID models.PatientID
	TurnIndex int
	Utterance string
}

// ContinueResult describes how one reply was handled.
type ContinueResult struct {
	TurnIndex int
	Action    workflow.Action
	Next      models.AgentName
	Utterance string
}

// New creates an agent runtime.
func New(deps Deps) *Agent {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Agent{deps: deps, locks: NewKeyedMutex()}
}

// Name is the agent's workflow name.
func (a *Agent) Name() models.AgentName { return a.deps.Plan.Agent }

// Record returns the stored record of a patient.
func (a *Agent) Record(ctx context.Context, patientID models.PatientID) (*models.ConversationRecord, error) {
	rec, err := a.deps.Records.Get(ctx, patientID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, ErrNoActiveSession
		}
		return nil, fmt.Errorf("load %s record: %w", a.Name(), err)
	}
	return rec, nil
}

// Begin starts the stage for a patient and replaces any record left by a
// previous review. A zero turn index means the plan's start turn.
func (a *Agent) Begin(ctx context.Context, req models.BeginRequest) (res *BeginResult, err error) {
	plan := a.deps.Plan
	ctx, span := telemetry.StartSpan(ctx, "agent.begin", req.PatientID, telemetry.AttrAgent.String(string(plan.Agent)))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
		a.count("begin", err)
	}()

	if strings.TrimSpace(req.PatientID) == "" {
		return nil, &ValidationError{Field: "patient_id", Reason: "required"}
	}
	turn := req.TurnIndex
	if turn == 0 {
		turn = plan.Start
	}
	if turn != plan.Start {
		return nil, &ValidationError{Field: "turn_index", Reason: fmt.Sprintf("%s begins at turn %d", plan.Agent, plan.Start)}
	}

	unlock := a.locks.Lock(req.PatientID)
	defer unlock()

	seed, err := a.seed(ctx, req.PatientID, turn)
	if err != nil {
		return nil, err
	}

	utterance, err := a.generate(ctx, []models.ChatMessage{
		{Role: models.RoleSystem, Content: plan.System},
		{Role: models.RoleUser, Content: plan.Opening(seed)},
	})
	if err != nil {
		return nil, err
	}

	patch := models.RecordPatch{
		PatientID:     req.PatientID,
		Agent:         plan.Agent,
		TurnIndex:     models.IntPtr(turn),
		Status:        models.StatusPtr(models.RecordActive),
		ChatHistory:   []models.ChatMessage{{Role: models.RoleAssistant, Content: utterance}},
		PreferredName: models.StringPtr(seed.PreferredName),
		SelectedGoal:  models.StringPtr(""),
	}
	switch a.deps.Fetch {
	case ContextNotes:
		patch.Notes = seed.Context
	case ContextGoals:
		patch.SmartGoals = append([]string{}, seed.SmartGoals...)
	}
	if _, err := a.deps.Records.Merge(ctx, patch); err != nil {
		return nil, fmt.Errorf("persist %s record: %w", plan.Agent, err)
	}

	log.Info().Str("agent", string(plan.Agent)).Str("patient_id", req.PatientID).Int("turn_index", turn).Msg("Stage started")
	a.deps.Dispatcher.Deliver(ctx, req.PatientID, turn, utterance)

	return &BeginResult{PatientID: req.PatientID, TurnIndex: turn, Utterance: utterance}, nil
}

// Continue handles one patient reply. The request must carry the turn index
// currently stored for the patient. Replies to a finished stage are no-ops.
func (a *Agent) Continue(ctx context.Context, req models.ContinueRequest) (res *ContinueResult, err error) {
	plan := a.deps.Plan
	ctx, span := telemetry.StartSpan(ctx, "agent.continue", req.PatientID, telemetry.AttrAgent.String(string(plan.Agent)))
	defer func() {
		if res != nil {
			span.SetAttributes(telemetry.AttrTurn.Int(res.TurnIndex), telemetry.AttrAction.String(string(res.Action)))
		}
		telemetry.RecordError(span, err)
		span.End()
		outcome := "error"
		if res != nil {
			outcome = string(res.Action)
		}
		a.count(outcome, err)
	}()

	if strings.TrimSpace(req.PatientID) == "" {
		return nil, &ValidationError{Field: "patient_id", Reason: "required"}
	}
	if req.TurnIndex == nil {
		return nil, &ValidationError{Field: "turn_index", Reason: "required"}
	}

	unlock := a.locks.Lock(req.PatientID)
	defer unlock()

	rec, err := a.Record(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.RecordActive {
		return &ContinueResult{TurnIndex: rec.TurnIndex, Action: workflow.ActionTerminate}, nil
	}
	if *req.TurnIndex != rec.TurnIndex {
		return nil, &StaleTurnError{Expected: rec.TurnIndex, Got: *req.TurnIndex}
	}

	next := rec.TurnIndex + 1
	step := plan.Decide(workflow.Turn{Index: next, Input: req.UserInput, Record: rec, Now: a.deps.Now()})
	if step.Action == workflow.ActionTerminate {
		log.Debug().Str("agent", string(plan.Agent)).Str("patient_id", req.PatientID).Int("turn_index", next).Msg("Terminal turn, nothing to do")
		return &ContinueResult{TurnIndex: rec.TurnIndex, Action: workflow.ActionTerminate}, nil
	}

	reply := models.ChatMessage{Role: models.RoleUser, Content: req.UserInput}
	patch := models.RecordPatch{
		PatientID:     req.PatientID,
		TurnIndex:     models.IntPtr(next),
		AppendHistory: []models.ChatMessage{reply},
		SelectedGoal:  step.SelectedGoal,
	}

	var utterance string
	if step.Action == workflow.ActionReply || step.Action == workflow.ActionReplyAndHandOff {
		msgs := make([]models.ChatMessage, 0, len(rec.ChatHistory)+3)
		msgs = append(msgs, models.ChatMessage{Role: models.RoleSystem, Content: plan.System})
		msgs = append(msgs, rec.ChatHistory...)
		msgs = append(msgs, reply, models.ChatMessage{Role: models.RoleUser, Content: step.Prompt})
		utterance, err = a.generate(ctx, msgs)
		if err != nil {
			return nil, err
		}
		patch.AppendHistory = append(patch.AppendHistory, models.ChatMessage{Role: models.RoleAssistant, Content: utterance})
	}
	switch step.Action {
	case workflow.ActionHandOff:
		patch.Status = models.StatusPtr(models.RecordHandedOff)
	case workflow.ActionReplyAndHandOff:
		patch.Status = models.StatusPtr(models.RecordCompleted)
	}

	if _, err := a.deps.Records.Merge(ctx, patch); err != nil {
		return nil, fmt.Errorf("persist %s record: %w", plan.Agent, err)
	}

	if utterance != "" {
		a.deps.Dispatcher.Deliver(ctx, req.PatientID, next, utterance)
	}
	if step.Action == workflow.ActionHandOff || step.Action == workflow.ActionReplyAndHandOff {
		log.Info().Str("agent", string(plan.Agent)).Str("patient_id", req.PatientID).
			Str("next_agent", string(step.Next)).Int("turn_index", next).Msg("Handing off")
		a.deps.Dispatcher.RouteNext(ctx, req.PatientID, next, step.Next)
	}

	return &ContinueResult{TurnIndex: next, Action: step.Action, Next: step.Next, Utterance: utterance}, nil
}

func (a *Agent) seed(ctx context.Context, patientID models.PatientID, turn int) (workflow.Seed, error) {
	seed := workflow.Seed{Turn: turn}
	if a.deps.Fetch == ContextNone || a.deps.Context == nil {
		return seed, nil
	}

	var (
		pc  *models.PatientContext
		err error
	)
	if a.deps.Fetch == ContextGoals {
		pc, err = a.deps.Context.Goals(ctx, patientID)
	} else {
		pc, err = a.deps.Context.Notes(ctx, patientID)
	}
	if err != nil {
		return seed, &UpstreamError{Source: "patient-context", Err: err}
	}
	if pc == nil {
		pc = &models.PatientContext{}
	}
	seed.PreferredName = pc.PreferredName
	seed.Context = pc
	seed.SmartGoals = pc.SmartGoals
	return seed, nil
}

func (a *Agent) generate(ctx context.Context, msgs []models.ChatMessage) (string, error) {
	return generate(ctx, a.deps.Generator, a.deps.Temperature, msgs)
}

func (a *Agent) count(outcome string, err error) {
	if a.deps.Metrics == nil {
		return
	}
	if err != nil {
		outcome = "error"
	}
	a.deps.Metrics.AgentTurns.WithLabelValues(string(a.Name()), outcome).Inc()
}

func generate(ctx context.Context, gen llm.Generator, temperature float64, msgs []models.ChatMessage) (string, error) {
	resp, err := gen.Generate(ctx, &llm.Request{Messages: msgs, Temperature: temperature})
	if err != nil {
		return "", &UpstreamError{Source: "generator", Err: err}
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", &UpstreamError{Source: "generator", Err: errors.New("empty completion")}
	}
	return text, nil
}
