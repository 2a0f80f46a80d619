package bridge

// SubmissionState is the grading phase of the single in-flight submission.
type SubmissionState int

const (
	StateIdle SubmissionState = iota
	StateRequested
	StateAcknowledged
	StateGrading
)

func (s SubmissionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequested:
		return "requested"
	case StateAcknowledged:
		return "acknowledged"
	case StateGrading:
		return "grading"
	default:
		return "unknown"
	}
}

// maxFeedbackLen caps peer-supplied feedback text before it is stored or
// forwarded; the judge is not trusted to bound it.
const maxFeedbackLen = 100

// lifecycle tracks the in-flight submission of one session. It is not
// safe for concurrent use; the owning session serializes access.
type lifecycle struct {
	state        SubmissionState
	submissionID string
	batchID      int
	inBatch      bool
}

func (l *lifecycle) current() (string, bool) {
	if l.state == StateIdle {
		return "", false
	}
	return l.submissionID, true
}

// dispatch moves Idle to Requested. Any other state means the session
// already has work and the caller must not have sent anything.
func (l *lifecycle) dispatch(submissionID string) bool {
	if l.state != StateIdle {
		return false
	}
	l.state = StateRequested
	l.submissionID = submissionID
	l.batchID = 0
	l.inBatch = false
	return true
}

// acknowledge moves Requested to Acknowledged when the id matches the
// outstanding request. A mismatched id leaves state untouched so the ack
// deadline keeps running.
func (l *lifecycle) acknowledge(submissionID string) bool {
	if l.state != StateRequested || submissionID != l.submissionID {
		return false
	}
	l.state = StateAcknowledged
	return true
}

// beginGrading is valid from Acknowledged and, for judges that restart the
// grading phase, from Grading. It resets batch bookkeeping.
func (l *lifecycle) beginGrading(submissionID string) bool {
	if submissionID != l.submissionID {
		return false
	}
	if l.state != StateAcknowledged && l.state != StateGrading {
		return false
	}
	l.state = StateGrading
	l.batchID = 0
	l.inBatch = false
	return true
}

func (l *lifecycle) beginBatch(submissionID string) (int, bool) {
	if l.state != StateGrading || submissionID != l.submissionID || l.inBatch {
		return 0, false
	}
	l.batchID++
	l.inBatch = true
	return l.batchID, true
}

func (l *lifecycle) endBatch(submissionID string) bool {
	if l.state != StateGrading || submissionID != l.submissionID || !l.inBatch {
		return false
	}
	l.inBatch = false
	return true
}

// streaming reports whether a test-case result for submissionID is valid
// right now.
func (l *lifecycle) streaming(submissionID string) bool {
	return l.state == StateGrading && submissionID == l.submissionID
}

// compileResult reports whether a compile-phase message for submissionID
// is valid; compilation output can arrive any time after the request.
func (l *lifecycle) compileResult(submissionID string) bool {
	return l.state != StateIdle && submissionID == l.submissionID
}

// finishGrading is the normal terminal transition, valid only while
// grading.
func (l *lifecycle) finishGrading(submissionID string) bool {
	if l.state != StateGrading || submissionID != l.submissionID {
		return false
	}
	l.reset()
	return true
}

// terminate covers the remaining terminal events (compile-error,
// internal-error, submission-terminated), valid from any non-idle state.
func (l *lifecycle) terminate(submissionID string) bool {
	if l.state == StateIdle || submissionID != l.submissionID {
		return false
	}
	l.reset()
	return true
}

func (l *lifecycle) reset() {
	l.state = StateIdle
	l.submissionID = ""
	l.batchID = 0
	l.inBatch = false
}

// capFeedback truncates peer-supplied feedback to the forwarding limit.
func capFeedback(feedback string) string {
	runes := []rune(feedback)
	if len(runes) <= maxFeedbackLen {
		return feedback
	}
	return string(runes[:maxFeedbackLen])
}
