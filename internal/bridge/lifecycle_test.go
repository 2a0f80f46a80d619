package bridge

import (
	"strings"
	"testing"
)

func TestLifecycleHappyPath(t *testing.T) {
	var lc lifecycle

	if _, working := lc.current(); working {
		t.Fatalf("fresh lifecycle must be idle")
	}
	if !lc.dispatch("42") {
		t.Fatalf("dispatch from idle must succeed")
	}
	if lc.dispatch("43") {
		t.Fatalf("dispatch while busy must fail")
	}
	if !lc.acknowledge("42") {
		t.Fatalf("matching acknowledge must succeed")
	}
	if !lc.beginGrading("42") {
		t.Fatalf("grading-begin from acknowledged must succeed")
	}
	if !lc.streaming("42") {
		t.Fatalf("test cases must be valid while grading")
	}
	if !lc.finishGrading("42") {
		t.Fatalf("grading-end while grading must succeed")
	}
	if _, working := lc.current(); working {
		t.Fatalf("lifecycle must be idle after grading-end")
	}
}

func TestLifecycleMismatchedIDs(t *testing.T) {
	var lc lifecycle
	lc.dispatch("42")

	if lc.acknowledge("43") {
		t.Fatalf("acknowledge for another submission must fail")
	}
	if lc.state != StateRequested {
		t.Fatalf("mismatched acknowledge must not change state, got %v", lc.state)
	}
	lc.acknowledge("42")

	if lc.beginGrading("43") {
		t.Fatalf("grading-begin for another submission must fail")
	}
	lc.beginGrading("42")
	if lc.streaming("43") {
		t.Fatalf("test cases for another submission must be rejected")
	}
	if lc.finishGrading("43") {
		t.Fatalf("grading-end for another submission must fail")
	}
	if !lc.streaming("42") {
		t.Fatalf("grading must continue after rejected events")
	}
}

func TestLifecycleGradingBeginCanRestart(t *testing.T) {
	var lc lifecycle
	lc.dispatch("42")
	lc.acknowledge("42")
	lc.beginGrading("42")
	if _, ok := lc.beginBatch("42"); !ok {
		t.Fatalf("batch-begin while grading must succeed")
	}

	// A judge that retries grading starts over with fresh batches.
	if !lc.beginGrading("42") {
		t.Fatalf("grading-begin while grading must succeed")
	}
	if lc.inBatch {
		t.Fatalf("restarted grading must reset batch tracking")
	}
	if batch, ok := lc.beginBatch("42"); !ok || batch != 1 {
		t.Fatalf("restarted grading must number batches from 1, got %d (%v)", batch, ok)
	}
}

func TestLifecycleBatchNesting(t *testing.T) {
	var lc lifecycle
	lc.dispatch("42")
	lc.acknowledge("42")

	if _, ok := lc.beginBatch("42"); ok {
		t.Fatalf("batch-begin before grading must fail")
	}
	lc.beginGrading("42")

	batch, ok := lc.beginBatch("42")
	if !ok || batch != 1 {
		t.Fatalf("first batch must be 1, got %d (%v)", batch, ok)
	}
	if _, ok := lc.beginBatch("42"); ok {
		t.Fatalf("nested batch-begin must fail")
	}
	if !lc.endBatch("42") {
		t.Fatalf("batch-end inside a batch must succeed")
	}
	if lc.endBatch("42") {
		t.Fatalf("batch-end outside a batch must fail")
	}
	if batch, _ := lc.beginBatch("42"); batch != 2 {
		t.Fatalf("second batch must be 2, got %d", batch)
	}
}

func TestLifecycleTerminalFromAnyActiveState(t *testing.T) {
	for _, advance := range []struct {
		name  string
		setup func(*lifecycle)
	}{
		{"requested", func(lc *lifecycle) {}},
		{"acknowledged", func(lc *lifecycle) { lc.acknowledge("42") }},
		{"grading", func(lc *lifecycle) { lc.acknowledge("42"); lc.beginGrading("42") }},
	} {
		t.Run(advance.name, func(t *testing.T) {
			var lc lifecycle
			lc.dispatch("42")
			advance.setup(&lc)
			if !lc.terminate("42") {
				t.Fatalf("terminate must succeed from %s", advance.name)
			}
			if lc.state != StateIdle {
				t.Fatalf("terminate must return to idle, got %v", lc.state)
			}
		})
	}

	var lc lifecycle
	if lc.terminate("42") {
		t.Fatalf("terminate while idle must fail")
	}
}

func TestLifecycleCompileResultBeforeGrading(t *testing.T) {
	var lc lifecycle
	lc.dispatch("42")

	// Compile output can outrun the grading-begin packet.
	if !lc.compileResult("42") {
		t.Fatalf("compile message right after dispatch must be valid")
	}
	if lc.compileResult("43") {
		t.Fatalf("compile message for another submission must be rejected")
	}
	lc.reset()
	if lc.compileResult("42") {
		t.Fatalf("compile message while idle must be rejected")
	}
}

func TestLifecycleFinishRequiresGrading(t *testing.T) {
	var lc lifecycle
	lc.dispatch("42")
	if lc.finishGrading("42") {
		t.Fatalf("grading-end before grading-begin must fail")
	}
	lc.acknowledge("42")
	if lc.finishGrading("42") {
		t.Fatalf("grading-end while acknowledged must fail")
	}
}

func TestCapFeedback(t *testing.T) {
	if got := capFeedback("short"); got != "short" {
		t.Fatalf("short feedback must pass through, got %q", got)
	}

	long := strings.Repeat("x", maxFeedbackLen+50)
	if got := capFeedback(long); len([]rune(got)) != maxFeedbackLen {
		t.Fatalf("long feedback must be capped at %d runes, got %d", maxFeedbackLen, len([]rune(got)))
	}

	// Truncation counts runes so multi-byte text is never split.
	wide := strings.Repeat("界", maxFeedbackLen+1)
	got := capFeedback(wide)
	if len([]rune(got)) != maxFeedbackLen {
		t.Fatalf("wide feedback must be capped at %d runes, got %d", maxFeedbackLen, len([]rune(got)))
	}
	for _, r := range got {
		if r != '界' {
			t.Fatalf("truncation corrupted a rune: %q", r)
		}
	}
}
