// Package workflow implements the per-agent turn router of the weekly review.
//
// Each conversational agent owns a Plan: a lookup table from turn index to the
// step it takes once a patient reply has advanced the turn. turn_index is the
// single discriminant driving all agent behavior:
//
//  1. Opener starts at 1, replies on turns 2-5 and hands off silently at 6
//  2. Goal review starts at 6, captures the chosen goal at 7, replies on
//     turns 7-12 and hands off silently at 13
//  3. Closer starts at 13, sends the closing message at 14 and hands off to
//     the summarizer; anything from 15 on is terminal
//  4. Summarizer is not turn indexed
//
// All boundaries are carried by Boundaries so they can be overridden by
// configuration.
package workflow

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/IvaBojic/GoalGuardian/internal/config"
	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// Default turn boundaries.
const (
	OpenerStartTurn       = 1
	OpenerHandoffTurn     = 6
	GoalCaptureTurn       = 7
	GoalReviewHandoffTurn = 13
	CloserClosingTurn     = 14
	CloserTerminalTurn    = 15
)

// Action is what an agent does after a reply advanced the turn.
type Action string

const (
	// ActionReply generates, persists and delivers the next utterance.
	ActionReply Action = "reply"
	// ActionHandOff persists silently and starts the next agent.
	ActionHandOff Action = "hand_off"
	// ActionReplyAndHandOff delivers a final utterance, then starts the next agent.
	ActionReplyAndHandOff Action = "reply_and_hand_off"
	// ActionTerminate ends the workflow with no output and no mutation.
	ActionTerminate Action = "terminate"
)

// ErrSessionComplete is returned when a reply arrives for a finished review.
var ErrSessionComplete = errors.New("review session is complete")

// Boundaries are the turn indexes at which the agents change behavior.
type Boundaries struct {
	OpenerStart       int
	OpenerHandoff     int
	GoalCapture       int
	GoalReviewHandoff int
	CloserTerminal    int
}

// DefaultBoundaries returns the production boundaries.
func DefaultBoundaries() Boundaries {
	return Boundaries{
		OpenerStart:       OpenerStartTurn,
		OpenerHandoff:     OpenerHandoffTurn,
		GoalCapture:       GoalCaptureTurn,
		GoalReviewHandoff: GoalReviewHandoffTurn,
		CloserTerminal:    CloserTerminalTurn,
	}
}

// BoundariesFrom reads the boundaries from the workflow configuration.
func BoundariesFrom(w config.WorkflowConfig) Boundaries {
	return Boundaries{
		OpenerStart:       w.OpenerStartTurn,
		OpenerHandoff:     w.OpenerHandoffTurn,
		GoalCapture:       w.GoalCaptureTurn,
		GoalReviewHandoff: w.GoalReviewHandoffTurn,
		CloserTerminal:    w.CloserTerminalTurn,
	}
}

// CloserClosing is the turn on which the closer sends its closing message.
func (b Boundaries) CloserClosing() int { return b.CloserTerminal - 1 }

// RouteReply picks the agent that owns a patient reply given the current
// transcript turn. A transcript that reached the closing turn is complete.
func (b Boundaries) RouteReply(transcriptTurn int) (models.AgentName, error) {
	switch {
	case transcriptTurn >= b.CloserClosing():
		return "", ErrSessionComplete
	case transcriptTurn < b.OpenerHandoff:
		return models.AgentOpener, nil
	case transcriptTurn < b.GoalReviewHandoff:
		return models.AgentGoalReview, nil
	default:
		return models.AgentCloser, nil
	}
}

// Seed is what an agent knows when it begins its stage.
type Seed struct {
	Turn          int
	PreferredName string
	Context       *models.PatientContext
	SmartGoals    []string
}

// Turn is the input to a Plan decision. Index is the turn after the reply
// was counted.
type Turn struct {
	Index  int
	Input  string
	Record *models.ConversationRecord
	Now    time.Time
}

// Step is the resolved decision for one turn.
type Step struct {
	Action Action
	// Prompt is the instruction handed to the text generator. Empty for
	// silent hand-offs and termination.
	Prompt string
	// Next is the agent started on hand-off.
	Next models.AgentName
	// SelectedGoal is set on the goal capture turn.
	SelectedGoal *string
}

// Plan is one agent's turn table.
type Plan struct {
	Agent  models.AgentName
	System string
	// Start is the turn index of the agent's first utterance.
	Start int

	opening func(Seed) string
	steps   map[int]func(Turn) Step
}

// Opening builds the instruction for the agent's first utterance.
func (p *Plan) Opening(seed Seed) string {
	return p.opening(seed)
}

// Decide returns the step for t. Turns without a table entry terminate.
func (p *Plan) Decide(t Turn) Step {
	if fn, ok := p.steps[t.Index]; ok {
		return fn(t)
	}
	return Step{Action: ActionTerminate}
}

// Turns lists the turn indexes with explicit entries, for diagnostics.
func (p *Plan) Turns() []int {
	out := make([]int, 0, len(p.steps))
	for i := range p.steps {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Plans holds the three conversational plans built from one set of boundaries.
type Plans struct {
	Bounds     Boundaries
	Opener     *Plan
	GoalReview *Plan
	Closer     *Plan
}

// For returns the plan of the named agent.
func (ps *Plans) For(agent models.AgentName) (*Plan, error) {
	switch agent {
	case models.AgentOpener:
		return ps.Opener, nil
	case models.AgentGoalReview:
		return ps.GoalReview, nil
	case models.AgentCloser:
		return ps.Closer, nil
	}
	return nil, fmt.Errorf("no turn plan for agent %q", agent)
}
