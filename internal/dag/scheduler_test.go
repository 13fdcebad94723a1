package dag

import (
	"reflect"
	"sort"
	"testing"

	"github.com/flowforge/etlengine/internal/models"
)

func steps() []models.Step {
	return []models.Step{
		{ID: "extract", Type: models.StepExtract},
		{ID: "transform-a", Type: models.StepTransform, DependsOn: []string{"extract"}},
		{ID: "transform-b", Type: models.StepTransform, DependsOn: []string{"extract"}},
		{ID: "join", Type: models.StepJoin, DependsOn: []string{"transform-a", "transform-b"}},
	}
}

func TestEvaluateInitialReadySet(t *testing.T) {
	statuses := map[string]models.StepStatus{
		"extract": models.StepNotStarted, "transform-a": models.StepNotStarted,
		"transform-b": models.StepNotStarted, "join": models.StepNotStarted,
	}
	ready, outcome := Evaluate(steps(), statuses, false, false)
	if outcome != OutcomeReady {
		t.Fatalf("expected OutcomeReady, got %v", outcome)
	}
	if !reflect.DeepEqual(ready, []string{"extract"}) {
		t.Fatalf("expected only extract ready, got %v", ready)
	}
}

func TestEvaluateFanOutBothReady(t *testing.T) {
	statuses := map[string]models.StepStatus{
		"extract": models.StepCompleted, "transform-a": models.StepNotStarted,
		"transform-b": models.StepNotStarted, "join": models.StepNotStarted,
	}
	ready, outcome := Evaluate(steps(), statuses, false, false)
	if outcome != OutcomeReady {
		t.Fatalf("expected OutcomeReady, got %v", outcome)
	}
	sort.Strings(ready)
	if !reflect.DeepEqual(ready, []string{"transform-a", "transform-b"}) {
		t.Fatalf("expected both transform branches ready, got %v", ready)
	}
}

func TestEvaluateJoinWaitsForBothBranches(t *testing.T) {
	statuses := map[string]models.StepStatus{
		"extract": models.StepCompleted, "transform-a": models.StepCompleted,
		"transform-b": models.StepRunning, "join": models.StepNotStarted,
	}
	ready, outcome := Evaluate(steps(), statuses, false, false)
	if outcome != OutcomeWait {
		t.Fatalf("expected OutcomeWait while transform-b still running, got %v (ready=%v)", outcome, ready)
	}
	if len(ready) != 0 {
		t.Fatalf("expected no ready steps, got %v", ready)
	}
}

func TestEvaluateDoneWhenAllTerminal(t *testing.T) {
	statuses := map[string]models.StepStatus{
		"extract": models.StepCompleted, "transform-a": models.StepCompleted,
		"transform-b": models.StepCompleted, "join": models.StepCompleted,
	}
	_, outcome := Evaluate(steps(), statuses, false, false)
	if outcome != OutcomeDone {
		t.Fatalf("expected OutcomeDone, got %v", outcome)
	}
}

func TestEvaluateCancelledIsAlwaysDone(t *testing.T) {
	statuses := map[string]models.StepStatus{
		"extract": models.StepRunning, "transform-a": models.StepNotStarted,
		"transform-b": models.StepNotStarted, "join": models.StepNotStarted,
	}
	_, outcome := Evaluate(steps(), statuses, true, false)
	if outcome != OutcomeDone {
		t.Fatalf("expected OutcomeDone on cancellation even with a step running, got %v", outcome)
	}
}

// TestEvaluatePausedNeverReturnsDone is the regression test for the §9
// pause-barrier fix: a paused execution with nothing currently running
// must stay OutcomeWait, never OutcomeDone, or the engine would finalize
// it as if it had reached a natural fixed point.
func TestEvaluatePausedNeverReturnsDone(t *testing.T) {
	statuses := map[string]models.StepStatus{
		"extract": models.StepCompleted, "transform-a": models.StepNotStarted,
		"transform-b": models.StepNotStarted, "join": models.StepNotStarted,
	}
	ready, outcome := Evaluate(steps(), statuses, false, true)
	if outcome != OutcomeWait {
		t.Fatalf("expected OutcomeWait while paused, got %v", outcome)
	}
	if len(ready) != 0 {
		t.Fatalf("expected no ready steps while paused, got %v", ready)
	}
}

func TestEvaluatePausedWithStepsReadyStillWaits(t *testing.T) {
	statuses := map[string]models.StepStatus{
		"extract": models.StepNotStarted, "transform-a": models.StepNotStarted,
		"transform-b": models.StepNotStarted, "join": models.StepNotStarted,
	}
	ready, outcome := Evaluate(steps(), statuses, false, true)
	if outcome != OutcomeWait {
		t.Fatalf("expected pause to suppress ready steps entirely, got %v", outcome)
	}
	if ready != nil {
		t.Fatalf("expected nil ready set while paused, got %v", ready)
	}
}

func TestAllTerminalSuccessfullyTreatsSkippedAsDone(t *testing.T) {
	statuses := map[string]models.StepStatus{
		"extract": models.StepCompleted, "transform-a": models.StepSkipped,
		"transform-b": models.StepCompleted, "join": models.StepCompleted,
	}
	if !AllTerminalSuccessfully(steps(), statuses) {
		t.Fatal("expected Skipped to count as terminal-successful")
	}
}

func TestAllTerminalSuccessfullyFalseOnFailure(t *testing.T) {
	statuses := map[string]models.StepStatus{
		"extract": models.StepCompleted, "transform-a": models.StepFailed,
		"transform-b": models.StepCompleted, "join": models.StepNotStarted,
	}
	if AllTerminalSuccessfully(steps(), statuses) {
		t.Fatal("expected false when a step failed")
	}
}
