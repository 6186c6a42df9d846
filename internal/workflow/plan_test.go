package workflow_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/IvaBojic/GoalGuardian/internal/config"
	"github.com/IvaBojic/GoalGuardian/internal/workflow"
	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

func defaultPlans() *workflow.Plans {
	return workflow.Build(workflow.DefaultBoundaries(), workflow.DefaultTiming())
}

func TestOpener_TurnTable(t *testing.T) {
	p := defaultPlans().Opener
	rec := &models.ConversationRecord{PatientID: "p1"}

	for turn := 2; turn <= 5; turn++ {
		step := p.Decide(workflow.Turn{Index: turn, Input: "fine", Record: rec})
		if step.Action != workflow.ActionReply || step.Prompt == "" {
			t.Errorf("turn %d: got %+v, want a reply with a prompt", turn, step)
		}
	}

	step := p.Decide(workflow.Turn{Index: 6, Input: "anything", Record: rec})
	if step.Action != workflow.ActionHandOff || step.Next != models.AgentGoalReview {
		t.Errorf("turn 6: got %+v, want hand-off to goal-review", step)
	}
	if step.Prompt != "" {
		t.Errorf("turn 6 must be silent, got prompt %q", step.Prompt)
	}

	if got := p.Decide(workflow.Turn{Index: 7, Record: rec}).Action; got != workflow.ActionTerminate {
		t.Errorf("turn 7 on opener = %q, want terminate", got)
	}
}

func TestOpener_FallbackTopicOnEmptyInput(t *testing.T) {
	p := defaultPlans().Opener
	rec := &models.ConversationRecord{
		PatientID: "p1",
		Notes:     &models.PatientContext{Friends: []string{"Ana"}, Hobbies: []string{"chess"}},
	}

	step := p.Decide(workflow.Turn{Index: 4, Input: "   ", Record: rec})
	if step.Action != workflow.ActionReply {
		t.Fatalf("turn 4 action = %q, want reply", step.Action)
	}
	if !strings.Contains(step.Prompt, "Ana") {
		t.Errorf("turn 4 prompt %q should use the first fallback topic", step.Prompt)
	}

	step = p.Decide(workflow.Turn{Index: 4, Input: "", Record: &models.ConversationRecord{PatientID: "p2"}})
	if step.Action != workflow.ActionReply || step.Prompt == "" {
		t.Errorf("turn 4 without notes must still reply, got %+v", step)
	}

	step = p.Decide(workflow.Turn{Index: 5, Input: "", Record: rec})
	if !strings.Contains(step.Prompt, "encouraging") {
		t.Errorf("turn 5 empty prompt = %q, want an encouraging comment", step.Prompt)
	}
}

func TestGoalReview_CaptureAndHandOff(t *testing.T) {
	p := defaultPlans().GoalReview
	if p.Start != 6 {
		t.Fatalf("goal review Start = %d, want 6", p.Start)
	}

	step := p.Decide(workflow.Turn{Index: 7, Input: "  walk 30 minutes daily \n"})
	if step.SelectedGoal == nil || *step.SelectedGoal != "walk 30 minutes daily" {
		t.Fatalf("turn 7 SelectedGoal = %v, want trimmed literal", step.SelectedGoal)
	}

	rec := &models.ConversationRecord{SelectedGoal: "walk 30 minutes daily"}
	for turn := 8; turn <= 12; turn++ {
		step := p.Decide(workflow.Turn{Index: turn, Input: "ok", Record: rec})
		if step.Action != workflow.ActionReply {
			t.Errorf("turn %d action = %q, want reply", turn, step.Action)
		}
		if step.SelectedGoal != nil {
			t.Errorf("turn %d must not recapture the goal", turn)
		}
		if !strings.Contains(step.Prompt, "walk 30 minutes daily") {
			t.Errorf("turn %d prompt %q should reference the goal", turn, step.Prompt)
		}
	}

	step = p.Decide(workflow.Turn{Index: 9, Record: &models.ConversationRecord{}})
	if !strings.Contains(step.Prompt, workflow.DefaultGoalLabel) {
		t.Errorf("missing goal should fall back to %q, prompt %q", workflow.DefaultGoalLabel, step.Prompt)
	}

	step = p.Decide(workflow.Turn{Index: 13})
	if step.Action != workflow.ActionHandOff || step.Next != models.AgentCloser {
		t.Errorf("turn 13: got %+v, want hand-off to closer", step)
	}
}

func TestGoalReview_Opening(t *testing.T) {
	p := defaultPlans().GoalReview
	withGoals := p.Opening(workflow.Seed{Turn: 6, PreferredName: "Mia", SmartGoals: []string{"walk", "sleep"}})
	if !strings.Contains(withGoals, "1. walk") || !strings.Contains(withGoals, "2. sleep") {
		t.Errorf("opening should list goals, got %q", withGoals)
	}
	none := p.Opening(workflow.Seed{Turn: 6})
	if !strings.Contains(none, "No SMART goals") || !strings.Contains(none, "there") {
		t.Errorf("opening without goals = %q", none)
	}
}

func TestCloser_ClosingAndTerminal(t *testing.T) {
	p := defaultPlans().Closer
	now := time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC) // Monday

	step := p.Decide(workflow.Turn{Index: 14, Input: "all good", Now: now})
	if step.Action != workflow.ActionReplyAndHandOff || step.Next != models.AgentSummarizer {
		t.Fatalf("turn 14: got %+v, want reply and hand-off to summarizer", step)
	}
	if !strings.Contains(step.Prompt, "Monday, March 17 at 9:00 AM") {
		t.Errorf("closing prompt %q should carry the next check-in", step.Prompt)
	}

	for _, turn := range []int{15, 16, 40} {
		if got := p.Decide(workflow.Turn{Index: turn, Now: now}); got.Action != workflow.ActionTerminate || got.Prompt != "" {
			t.Errorf("turn %d: got %+v, want silent terminate", turn, got)
		}
	}
}

func TestNextCheckIn(t *testing.T) {
	zagreb, err := time.LoadLocation("Europe/Zagreb")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	tm := workflow.Timing{Interval: 7 * 24 * time.Hour, Hour: 9, Location: zagreb}
	got := tm.NextCheckIn(time.Date(2025, 6, 2, 22, 30, 0, 0, time.UTC))
	want := time.Date(2025, 6, 10, 9, 0, 0, 0, zagreb)
	if !got.Equal(want) {
		t.Errorf("NextCheckIn() = %v, want %v", got, want)
	}
}

func TestRouteReply(t *testing.T) {
	b := workflow.DefaultBoundaries()
	tests := []struct {
		turn int
		want models.AgentName
		err  error
	}{
		{1, models.AgentOpener, nil},
		{5, models.AgentOpener, nil},
		{6, models.AgentGoalReview, nil},
		{12, models.AgentGoalReview, nil},
		{13, models.AgentCloser, nil},
		{14, "", workflow.ErrSessionComplete},
		{20, "", workflow.ErrSessionComplete},
	}
	for _, tt := range tests {
		got, err := b.RouteReply(tt.turn)
		if got != tt.want || !errors.Is(err, tt.err) {
			t.Errorf("RouteReply(%d) = %q, %v; want %q, %v", tt.turn, got, err, tt.want, tt.err)
		}
	}
}

func TestBoundariesFromConfig(t *testing.T) {
	w := config.DefaultWorkflow()
	w.OpenerHandoffTurn = 4
	w.GoalCaptureTurn = 5
	w.GoalReviewHandoffTurn = 8
	w.CloserTerminalTurn = 10
	plans := workflow.Build(workflow.BoundariesFrom(w), workflow.DefaultTiming())

	if got := plans.Opener.Decide(workflow.Turn{Index: 4}); got.Action != workflow.ActionHandOff {
		t.Errorf("opener hand-off moved to 4, got %q", got.Action)
	}
	if got := plans.Closer.Decide(workflow.Turn{Index: 9}); got.Action != workflow.ActionReplyAndHandOff {
		t.Errorf("closer closing moved to 9, got %q", got.Action)
	}
	if turns := plans.GoalReview.Turns(); turns[0] != 5 || turns[len(turns)-1] != 8 {
		t.Errorf("goal review turns = %v", turns)
	}
}
