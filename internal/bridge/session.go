package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/judgebridge/judgebridge/internal/wire"
)

// maxProblemEntries caps peer-announced problem lists; the judge is not
// trusted to bound them.
const maxProblemEntries = 65536

// Session owns one judge connection for its lifetime. A reconnecting
// judge gets a fresh Session even when the identity repeats.
type Session struct {
	id   string
	conn *wire.Conn
	deps Deps

	log   *zap.Logger
	audit *zap.Logger

	mu            sync.Mutex
	closed        bool
	name          string
	problems      map[string]struct{}
	executors     map[string]json.RawMessage
	accepting     bool
	lc            lifecycle
	limiter       *updateLimiter
	health        *healthMonitor
	pendingUpdate *ResultEvent
	ackTimer      *time.Timer
	ackGen        uint64

	connectedAt time.Time

	closeOnce sync.Once
	stopPing  chan struct{}
	done      chan struct{}
}

func NewSession(conn net.Conn, deps Deps) *Session {
	deps = deps.withDefaults()
	s := &Session{
		id:          uuid.NewString(),
		conn:        wire.NewConn(conn),
		deps:        deps,
		problems:    make(map[string]struct{}),
		executors:   make(map[string]json.RawMessage),
		limiter:     newUpdateLimiter(),
		health:      newHealthMonitor(),
		connectedAt: deps.Now(),
		stopPing:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.log = deps.Log.With(zap.String("session", s.id), zap.String("address", s.conn.RemoteAddr().String()))
	s.audit = deps.Log.Named("audit").With(zap.String("session", s.id), zap.String("address", s.conn.RemoteAddr().String()))
	return s
}

// Run services the connection until it closes or a fatal protocol
// violation occurs. It blocks; the server runs it on its own goroutine.
func (s *Session) Run() {
	defer s.shutdown()

	s.conn.SetReadTimeout(s.deps.Timeouts.Handshake)
	s.log.Info("judge connected")
	s.audit.Info("connect")

	raw, err := s.conn.ReadPacket()
	if err != nil {
		s.log.Warn("connection lost before handshake", zap.Error(err))
		return
	}
	handshake, ok := Decode(raw).(Handshake)
	if !ok {
		// Nothing is sent to unauthenticated peers, not even a complaint.
		s.log.Warn("first packet was not a handshake")
		s.audit.Warn("malformed-handshake")
		return
	}
	if !s.completeHandshake(handshake) {
		return
	}

	go s.pingLoop()

	for {
		raw, err := s.conn.ReadPacket()
		if err != nil {
			if wire.IsTimeout(err) {
				s.onTimeout()
			}
			return
		}
		s.handle(Decode(raw))
	}
}

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) completeHandshake(m Handshake) bool {
	if m.ID == "" || m.Key == "" {
		s.log.Warn("malformed handshake", zap.String("judge", m.ID))
		s.audit.Warn("malformed-handshake", zap.String("judge", m.ID))
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.Timeouts.External)
	defer cancel()
	if s.deps.Auth == nil || !s.deps.Auth.Authenticate(ctx, m.ID, m.Key) {
		s.log.Warn("judge failed authentication", zap.String("judge", m.ID))
		s.audit.Warn("authentication-failed", zap.String("judge", m.ID))
		return false
	}

	s.mu.Lock()
	s.name = m.ID
	s.accepting = true
	s.problems = problemSet(m.Problems)
	s.executors = make(map[string]json.RawMessage, len(m.Executors))
	for name, info := range m.Executors {
		s.executors[name] = info
	}
	s.mu.Unlock()

	s.log = s.log.With(zap.String("judge", m.ID))
	s.audit = s.audit.With(zap.String("judge", m.ID))

	s.conn.SetReadTimeout(s.deps.Timeouts.Idle)
	if err := s.conn.WritePacket(newHandshakeSuccess()); err != nil {
		s.log.Warn("failed to send handshake-success", zap.Error(err))
		return false
	}
	if s.deps.Registry != nil {
		if err := s.deps.Registry.Register(s); err != nil {
			s.log.Warn("session rejected by registry", zap.Error(err))
			return false
		}
	}
	s.log.Info("judge authenticated",
		zap.Int("problems", len(s.problems)),
		zap.Int("executors", len(s.executors)))
	s.audit.Info("authenticated")
	return true
}

// handle routes one decoded message. A panic in a handler is contained
// here: the peer may be malicious or broken, and one bad packet must not
// end the session, let alone the process.
func (s *Session) handle(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			working, _ := s.CurrentSubmission()
			s.log.Error("panic in packet handler",
				zap.Any("panic", r),
				zap.String("message", msg.messageName()),
				zap.String("submission", working))
			s.audit.Error("packet-exception", zap.String("submission", working))
		}
	}()

	switch m := msg.(type) {
	case SubmissionAcknowledged:
		s.onAcknowledged(m)
	case GradingBegin:
		s.onGradingBegin(m)
	case GradingEnd:
		s.onGradingEnd(m)
	case CompileError:
		s.onCompileError(m)
	case CompileMessage:
		s.onCompileMessage(m)
	case BatchBegin:
		s.onBatchBegin(m)
	case BatchEnd:
		s.onBatchEnd(m)
	case TestCaseStatus:
		s.onTestCase(m)
	case InternalError:
		s.onInternalError(m)
	case SubmissionTerminated:
		s.onSubmissionTerminated(m)
	case PingResponse:
		s.onPingResponse(m)
	case SupportedProblems:
		s.onSupportedProblems(m)
	case Handshake:
		s.onViolation("handshake", "repeated handshake after authentication")
	case Unrecognized:
		s.onMalformed(m)
	}
}

// Submit dispatches a submission to this judge. Callable only while the
// session is idle; on any failure before the packet is written the
// session stays idle and nothing reaches the judge.
func (s *Session) Submit(ctx context.Context, submissionID, problemID, language, source string) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	if s.deps.Store == nil {
		return fmt.Errorf("submission data unavailable: no store configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.deps.Timeouts.External)
	defer cancel()
	data, err := s.deps.Store.SubmissionData(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("submission data unavailable: %w", err)
	}

	s.mu.Lock()
	// Re-check under the mutex: a disconnect may have completed since the
	// done check above, and dispatching onto a reset lifecycle would arm a
	// timer nothing will ever disarm.
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.lc.dispatch(submissionID) {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	s.limiter.reset()
	s.pendingUpdate = nil
	s.armAckTimerLocked()
	s.mu.Unlock()

	packet := submissionRequestPacket{
		Name:         "submission-request",
		SubmissionID: submissionID,
		ProblemID:    problemID,
		Language:     language,
		Source:       source,
		TimeLimit:    data.TimeLimit,
		MemoryLimit:  data.MemoryLimit,
		ShortCircuit: data.ShortCircuit,
		Meta: submissionMeta{
			PretestsOnly: data.PretestsOnly,
			InContest:    data.ContestNo,
			AttemptNo:    data.AttemptNo,
			User:         data.UserID,
		},
	}
	if err := s.conn.WritePacket(packet); err != nil {
		s.log.Error("failed to send submission-request",
			zap.String("submission", submissionID), zap.Error(err))
		s.shutdown()
		return err
	}
	s.log.Info("submission dispatched",
		zap.String("submission", submissionID),
		zap.String("problem", problemID),
		zap.String("language", language))
	return nil
}

// Abort asks the judge to terminate the current submission. State is
// cleared only when the corresponding terminal packet arrives.
func (s *Session) Abort() error {
	s.mu.Lock()
	_, working := s.lc.current()
	s.mu.Unlock()
	if !working {
		return ErrNotIdle
	}
	return s.conn.WritePacket(newTerminate())
}

// Disconnect asks the judge to go away. A forced disconnect yanks the
// connection; a graceful one sends the notice and lets the peer close.
func (s *Session) Disconnect(force bool) {
	if force {
		s.shutdown()
		return
	}
	if err := s.conn.WritePacket(newDisconnect()); err != nil {
		s.shutdown()
	}
}

// shutdown tears the session down exactly once: stops the ping loop,
// disarms the ack timer, reports lost work, closes the socket and leaves
// the registry.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.stopPing)

		s.mu.Lock()
		s.closed = true
		s.disarmAckTimerLocked()
		name := s.name
		working, inFlight := s.lc.current()
		s.lc.reset()
		s.pendingUpdate = nil
		s.mu.Unlock()

		if inFlight {
			s.log.Error("judge disconnected while handling submission",
				zap.String("submission", working))
			if s.deps.Hooks != nil {
				s.deps.Hooks.SubmissionLost(working, name)
			}
		}
		_ = s.conn.Close()
		if name != "" && s.deps.Registry != nil {
			s.deps.Registry.Unregister(s)
		}
		s.log.Info("judge disconnected")
		s.audit.Info("disconnect", zap.String("submission", working))
		close(s.done)
	})
}

func (s *Session) onTimeout() {
	s.mu.Lock()
	name := s.name
	working, _ := s.lc.current()
	s.mu.Unlock()
	if name != "" {
		s.log.Warn("judge seems dead", zap.String("submission", working))
	}
}

func (s *Session) onAcknowledged(m SubmissionAcknowledged) {
	s.mu.Lock()
	if !s.lc.acknowledge(m.SubmissionID) {
		expected, _ := s.lc.current()
		s.mu.Unlock()
		// Do not disarm the deadline: the outstanding request is still
		// unacknowledged.
		s.log.Warn("acknowledgment for wrong submission",
			zap.String("expected", expected),
			zap.String("got", m.SubmissionID))
		s.audit.Warn("wrong-acknowledge", zap.String("submission", m.SubmissionID))
		return
	}
	s.disarmAckTimerLocked()
	s.mu.Unlock()
	s.log.Info("submission acknowledged", zap.String("submission", m.SubmissionID))
}

func (s *Session) onGradingBegin(m GradingBegin) {
	s.mu.Lock()
	if !s.lc.beginGrading(m.SubmissionID) {
		s.mu.Unlock()
		s.onViolation("grading-begin", m.SubmissionID)
		return
	}
	s.limiter.reset()
	s.pendingUpdate = nil
	s.mu.Unlock()
	s.log.Info("grading has begun", zap.String("submission", m.SubmissionID))
	s.emit("grading-begin", m.SubmissionID, m)
}

func (s *Session) onGradingEnd(m GradingEnd) {
	s.mu.Lock()
	if !s.lc.finishGrading(m.SubmissionID) {
		s.mu.Unlock()
		s.onViolation("grading-end", m.SubmissionID)
		return
	}
	s.disarmAckTimerLocked()
	pending := s.pendingUpdate
	s.pendingUpdate = nil
	s.limiter.reset()
	s.mu.Unlock()

	if pending != nil {
		s.publish(*pending)
	}
	s.log.Info("grading has ended", zap.String("submission", m.SubmissionID))
	s.emit("grading-end", m.SubmissionID, nil)
}

func (s *Session) onCompileError(m CompileError) {
	s.mu.Lock()
	if !s.lc.compileResult(m.SubmissionID) {
		s.mu.Unlock()
		s.onViolation("compile-error", m.SubmissionID)
		return
	}
	s.lc.terminate(m.SubmissionID)
	s.disarmAckTimerLocked()
	s.pendingUpdate = nil
	s.limiter.reset()
	s.mu.Unlock()

	s.log.Info("submission failed to compile", zap.String("submission", m.SubmissionID))
	s.emit("compile-error", m.SubmissionID, m)
}

func (s *Session) onCompileMessage(m CompileMessage) {
	s.mu.Lock()
	ok := s.lc.compileResult(m.SubmissionID)
	s.mu.Unlock()
	if !ok {
		s.onViolation("compile-message", m.SubmissionID)
		return
	}
	s.emit("compile-message", m.SubmissionID, m)
}

func (s *Session) onBatchBegin(m BatchBegin) {
	s.mu.Lock()
	batch, ok := s.lc.beginBatch(m.SubmissionID)
	s.mu.Unlock()
	if !ok {
		s.onViolation("batch-begin", m.SubmissionID)
		return
	}
	s.log.Debug("batch began", zap.String("submission", m.SubmissionID), zap.Int("batch", batch))
	s.emit("batch-begin", m.SubmissionID, m)
}

func (s *Session) onBatchEnd(m BatchEnd) {
	s.mu.Lock()
	ok := s.lc.endBatch(m.SubmissionID)
	s.mu.Unlock()
	if !ok {
		s.onViolation("batch-end", m.SubmissionID)
		return
	}
	s.emit("batch-end", m.SubmissionID, m)
}

func (s *Session) onTestCase(m TestCaseStatus) {
	m.Feedback = capFeedback(m.Feedback)
	m.ExtendedFeedback = capFeedback(m.ExtendedFeedback)
	m.Output = capFeedback(m.Output)

	s.mu.Lock()
	if !s.lc.streaming(m.SubmissionID) {
		s.mu.Unlock()
		s.onViolation("test-case-status", m.SubmissionID)
		return
	}
	allowed := s.limiter.allow(s.deps.Now())
	var event ResultEvent
	if allowed {
		s.pendingUpdate = nil
	} else {
		event = s.buildEvent("test-case-status", m.SubmissionID, m)
		s.pendingUpdate = &event
	}
	s.mu.Unlock()

	if allowed {
		s.emit("test-case-status", m.SubmissionID, m)
	}
}

func (s *Session) onInternalError(m InternalError) {
	s.mu.Lock()
	name := s.name
	if !s.lc.terminate(m.SubmissionID) {
		s.mu.Unlock()
		s.onViolation("internal-error", m.SubmissionID)
		return
	}
	s.disarmAckTimerLocked()
	s.pendingUpdate = nil
	s.limiter.reset()
	s.mu.Unlock()

	s.log.Error("judge reported internal error",
		zap.String("submission", m.SubmissionID),
		zap.String("message", capFeedback(m.Message)))
	s.emit("internal-error", m.SubmissionID, m)
	if s.deps.Hooks != nil {
		s.deps.Hooks.SubmissionFailed(m.SubmissionID, name)
	}
}

func (s *Session) onSubmissionTerminated(m SubmissionTerminated) {
	s.mu.Lock()
	if !s.lc.terminate(m.SubmissionID) {
		s.mu.Unlock()
		s.onViolation("submission-terminated", m.SubmissionID)
		return
	}
	s.disarmAckTimerLocked()
	s.pendingUpdate = nil
	s.limiter.reset()
	s.mu.Unlock()

	s.log.Info("submission terminated", zap.String("submission", m.SubmissionID))
	s.emit("submission-terminated", m.SubmissionID, nil)
}

func (s *Session) onPingResponse(m PingResponse) {
	now := epochSeconds(s.deps.Now())
	s.mu.Lock()
	s.health.observe(m.When, now, m.Time)
	s.health.reportLoad(m.Load)
	s.mu.Unlock()
}

func (s *Session) onSupportedProblems(m SupportedProblems) {
	problems := problemSet(m.Problems)
	s.mu.Lock()
	s.problems = problems
	s.mu.Unlock()
	s.log.Info("problem support refreshed", zap.Int("problems", len(problems)))
}

func (s *Session) onMalformed(m Unrecognized) {
	working, _ := s.CurrentSubmission()
	s.log.Error("malformed packet",
		zap.String("packet", m.Name),
		zap.String("submission", working))
	s.audit.Error("malformed-packet",
		zap.String("packet", m.Name),
		zap.String("submission", working))
}

// onViolation records an event that is well-formed but invalid in the
// current state. The session stays alive.
func (s *Session) onViolation(event string, submissionID string) {
	working, _ := s.CurrentSubmission()
	s.log.Warn("protocol violation",
		zap.String("event", event),
		zap.String("submission", submissionID),
		zap.String("current", working))
	s.audit.Warn("protocol-violation",
		zap.String("event", event),
		zap.String("submission", submissionID))
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.deps.Timeouts.PingInterval)
	defer ticker.Stop()
	for {
		if err := s.conn.WritePacket(newPing(epochSeconds(s.deps.Now()))); err != nil {
			select {
			case <-s.stopPing:
			default:
				s.log.Error("ping send failed", zap.Error(err))
				s.shutdown()
			}
			return
		}
		select {
		case <-s.stopPing:
			return
		case <-ticker.C:
		}
	}
}

// Ack deadline. Arming and disarming bump the generation; the expiry
// callback re-checks it under the session mutex so at most one of
// "timeout closes" or "ack disarms" wins.

func (s *Session) armAckTimerLocked() {
	s.ackGen++
	gen := s.ackGen
	submissionID := s.lc.submissionID
	s.ackTimer = time.AfterFunc(s.deps.Timeouts.AckDeadline, func() {
		s.ackDeadlineExpired(gen, submissionID)
	})
}

func (s *Session) disarmAckTimerLocked() {
	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}
	s.ackGen++
}

func (s *Session) ackDeadlineExpired(gen uint64, submissionID string) {
	s.mu.Lock()
	if gen != s.ackGen {
		s.mu.Unlock()
		return
	}
	s.ackTimer = nil
	s.mu.Unlock()

	s.log.Error("judge failed to acknowledge submission",
		zap.String("submission", submissionID))
	s.audit.Error("acknowledge-timeout", zap.String("submission", submissionID))
	// The peer already failed one expectation; no graceful notice.
	s.shutdown()
}

func (s *Session) buildEvent(event, submissionID string, payload any) ResultEvent {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return ResultEvent{
		Judge:        s.name,
		SubmissionID: submissionID,
		Event:        event,
		Payload:      raw,
		EmittedAt:    s.deps.Now(),
	}
}

func (s *Session) emit(event, submissionID string, payload any) {
	s.mu.Lock()
	ev := s.buildEvent(event, submissionID, payload)
	s.mu.Unlock()
	s.publish(ev)
}

func (s *Session) publish(event ResultEvent) {
	if s.deps.Sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.Timeouts.External)
	defer cancel()
	if err := s.deps.Sink.Publish(ctx, event); err != nil {
		s.log.Warn("result sink publish failed",
			zap.String("submission", event.SubmissionID),
			zap.String("event", event.Event),
			zap.Error(err))
	}
}

// Accessors used by the registry, the scheduler and the control API.

func (s *Session) ID() string   { return s.id }
func (s *Session) Name() string { s.mu.Lock(); defer s.mu.Unlock(); return s.name }

func (s *Session) RemoteAddr() string    { return s.conn.RemoteAddr().String() }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

func (s *Session) Working() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, working := s.lc.current()
	return working
}

func (s *Session) CurrentSubmission() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lc.current()
}

func (s *Session) State() SubmissionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lc.state
}

func (s *Session) Accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepting
}

// SetAccepting toggles drain mode; a draining session only takes work
// pinned to its identity.
func (s *Session) SetAccepting(accepting bool) {
	s.mu.Lock()
	s.accepting = accepting
	s.mu.Unlock()
}

func (s *Session) Health() HealthSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health.snapshot()
}

// CanJudge reports whether this session may take a submission for the
// problem and executor. A judge pin overrides drain mode.
func (s *Session) CanJudge(problem, executor, judgeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.problems[problem]; !ok {
		return false
	}
	if _, ok := s.executors[executor]; !ok {
		return false
	}
	if judgeID != "" {
		return s.name == judgeID
	}
	return s.accepting
}

// Snapshot is a point-in-time view of the session for the control API.
type Snapshot struct {
	Name              string         `json:"name"`
	Address           string         `json:"address"`
	ConnectedAt       time.Time      `json:"connected_at"`
	State             string         `json:"state"`
	CurrentSubmission string         `json:"current_submission,omitempty"`
	Accepting         bool           `json:"accepting"`
	Problems          []string       `json:"problems"`
	Executors         []string       `json:"executors"`
	Health            HealthSnapshot `json:"health"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	problems := make([]string, 0, len(s.problems))
	for code := range s.problems {
		problems = append(problems, code)
	}
	sort.Strings(problems)
	executors := make([]string, 0, len(s.executors))
	for name := range s.executors {
		executors = append(executors, name)
	}
	sort.Strings(executors)

	working, _ := s.lc.current()
	return Snapshot{
		Name:              s.name,
		Address:           s.conn.RemoteAddr().String(),
		ConnectedAt:       s.connectedAt,
		State:             s.lc.state.String(),
		CurrentSubmission: working,
		Accepting:         s.accepting,
		Problems:          problems,
		Executors:         executors,
		Health:            s.health.snapshot(),
	}
}

func problemSet(entries []ProblemEntry) map[string]struct{} {
	if len(entries) > maxProblemEntries {
		entries = entries[:maxProblemEntries]
	}
	set := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.Code == "" {
			continue
		}
		set[entry.Code] = struct{}{}
	}
	return set
}
