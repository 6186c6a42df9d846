package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// CheckInLayout renders the next review, e.g. "Monday, March 17 at 9:00 AM".
const CheckInLayout = "Monday, January 02 at 3:04 PM"

// DefaultGoalLabel stands in for a goal that was never captured.
const DefaultGoalLabel = "your selected goal"

const (
	openerSystem     = "You are a warm, empathetic health coach opening a session."
	goalReviewSystem = "You are a warm, empathetic health coach helping a patient review their SMART goals."
	closerSystem     = "You are a warm, empathetic health coach closing a session."
)

// Timing decides when the next weekly review happens.
type Timing struct {
	Interval time.Duration
	Hour     int
	Location *time.Location
}

// DefaultTiming is one week ahead at 09:00 UTC.
func DefaultTiming() Timing {
	return Timing{Interval: 7 * 24 * time.Hour, Hour: 9, Location: time.UTC}
}

// NextCheckIn returns now plus the interval, pinned to the review hour.
func (tm Timing) NextCheckIn(now time.Time) time.Time {
	loc := tm.Location
	if loc == nil {
		loc = time.UTC
	}
	d := now.In(loc).Add(tm.Interval)
	return time.Date(d.Year(), d.Month(), d.Day(), tm.Hour, 0, 0, 0, loc)
}

// Build constructs the three conversational plans.
func Build(b Boundaries, tm Timing) *Plans {
	return &Plans{
		Bounds:     b,
		Opener:     openerPlan(b),
		GoalReview: goalReviewPlan(b),
		Closer:     closerPlan(b, tm),
	}
}

// ── Opener ──────────────────────────────────────────────────

func openerPlan(b Boundaries) *Plan {
	prompts := []func(Turn) string{
		func(t Turn) string {
			return fmt.Sprintf("The patient answered: %q. If it is a number, ask what that number means to them. If it describes a mood, ask what is behind it.", t.Input)
		},
		func(t Turn) string {
			return fmt.Sprintf("The patient answered: %q. Reflect empathetically, then ask about one positive health moment from last week.", t.Input)
		},
		func(t Turn) string {
			if strings.TrimSpace(t.Input) != "" {
				return fmt.Sprintf("The patient answered: %q. Reflect positively and ask a light follow-up question.", t.Input)
			}
			if topic := notesOf(t.Record).FallbackTopic(); topic != "" {
				return fmt.Sprintf("The patient did not share much. Keep the conversation going by bringing up %q.", topic)
			}
			return "The patient did not share much. Keep the conversation going with a gentle open question about their week."
		},
		func(t Turn) string {
			if strings.TrimSpace(t.Input) != "" {
				return fmt.Sprintf("The patient answered: %q. Reflect positively. Do not say goodbye.", t.Input)
			}
			return "The patient did not say much. Share a short encouraging comment without saying goodbye."
		},
	}

	p := &Plan{
		Agent:  models.AgentOpener,
		System: openerSystem,
		Start:  b.OpenerStart,
		opening: func(s Seed) string {
			return fmt.Sprintf("Greet %s warmly and ask about their energy level this week.", preferredName(s.PreferredName))
		},
		steps: make(map[int]func(Turn) Step),
	}
	for turn := b.OpenerStart + 1; turn < b.OpenerHandoff; turn++ {
		build := prompts[min(turn-b.OpenerStart-1, len(prompts)-1)]
		p.steps[turn] = func(t Turn) Step {
			return Step{Action: ActionReply, Prompt: build(t)}
		}
	}
	p.steps[b.OpenerHandoff] = handOff(models.AgentGoalReview)
	return p
}

// ── Goal review ─────────────────────────────────────────────

func goalReviewPlan(b Boundaries) *Plan {
	reflections := []string{
		"Reflect warmly on their positive experience. Then ask what the most rewarding or enjoyable part of working on %q was last week. Rephrase the goal rather than quoting it.",
		"Encourage deeper reflection. Ask about any challenges they faced with %q and what they learned about themselves working through them. Rephrase the goal rather than quoting it.",
		"Acknowledge their efforts so far. Then ask how they would rate their success with %q on a scale from 0%% to 100%%. Rephrase the goal rather than quoting it.",
		"Reflect gently on the percentage they shared about %q and ask what made them choose that number.",
		"Affirm their reflections on %q and thank them. End with an encouraging statement and do not ask further questions.",
	}

	p := &Plan{
		Agent:  models.AgentGoalReview,
		System: goalReviewSystem,
		Start:  b.OpenerHandoff,
		opening: func(s Seed) string {
			name := preferredName(s.PreferredName)
			if len(s.SmartGoals) == 0 {
				return fmt.Sprintf("Turn %d. The patient's name is %s. No SMART goals were set in their last session. "+
					"Let them know, and ask whether they would like to set some with their health coach. "+
					"Explain that you can only review goals, not set them.", s.Turn, name)
			}
			var list strings.Builder
			for i, g := range s.SmartGoals {
				fmt.Fprintf(&list, "%d. %s\n", i+1, g)
			}
			return fmt.Sprintf("Turn %d. The patient's name is %s. Their SMART goals are:\n%s\n"+
				"Remind them of these goals and ask which one they would like to review today. Do not greet them.",
				s.Turn, name, list.String())
		},
		steps: make(map[int]func(Turn) Step),
	}

	p.steps[b.GoalCapture] = func(t Turn) Step {
		goal := strings.TrimSpace(t.Input)
		return Step{
			Action:       ActionReply,
			SelectedGoal: &goal,
			Prompt:       fmt.Sprintf("The patient chose the goal %q. Ask about their positive experience with it. Do not use their name.", goal),
		}
	}
	for turn := b.GoalCapture + 1; turn < b.GoalReviewHandoff; turn++ {
		tmpl := reflections[min(turn-b.GoalCapture-1, len(reflections)-1)]
		p.steps[turn] = func(t Turn) Step {
			return Step{Action: ActionReply, Prompt: fmt.Sprintf(tmpl, selectedGoal(t.Record))}
		}
	}
	p.steps[b.GoalReviewHandoff] = handOff(models.AgentCloser)
	return p
}

// ── Closer ──────────────────────────────────────────────────

func closerPlan(b Boundaries, tm Timing) *Plan {
	p := &Plan{
		Agent:  models.AgentCloser,
		System: closerSystem,
		Start:  b.GoalReviewHandoff,
		opening: func(Seed) string {
			return "Thank the patient for joining this check-in session. Ask if they have any feedback or suggestions for improving these conversations."
		},
		steps: make(map[int]func(Turn) Step),
	}
	p.steps[b.CloserClosing()] = func(t Turn) Step {
		next := tm.NextCheckIn(t.Now).Format(CheckInLayout)
		return Step{
			Action: ActionReplyAndHandOff,
			Next:   models.AgentSummarizer,
			Prompt: fmt.Sprintf("The patient said: %q. Thank them for the feedback and tell them it will be taken into account. "+
				"Their next weekly check-in will be on %s. See you then!", t.Input, next),
		}
	}
	return p
}

func handOff(next models.AgentName) func(Turn) Step {
	return func(Turn) Step { return Step{Action: ActionHandOff, Next: next} }
}

func preferredName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "there"
	}
	return name
}

func notesOf(rec *models.ConversationRecord) *models.PatientContext {
	if rec == nil {
		return nil
	}
	return rec.Notes
}

func selectedGoal(rec *models.ConversationRecord) string {
	if rec == nil || rec.SelectedGoal == "" {
		return DefaultGoalLabel
	}
	return rec.SelectedGoal
}
