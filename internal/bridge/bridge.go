// Package bridge implements the per-connection judge session protocol
// engine: handshake authentication, the submission lifecycle state
// machine, health monitoring, and rate-limited result forwarding.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrSessionBusy is returned by Submit when a submission is already
	// in flight; nothing has been sent to the judge.
	ErrSessionBusy = errors.New("bridge: session already has a submission in flight")
	// ErrSubmissionNotFound is returned by SubmissionStore implementations
	// when no metadata exists for the id.
	ErrSubmissionNotFound = errors.New("bridge: submission metadata not found")
	// ErrSessionClosed is returned when an operation races a disconnect.
	ErrSessionClosed = errors.New("bridge: session is closed")
	// ErrNotIdle is returned by Abort when there is nothing to abort.
	ErrNotIdle = errors.New("bridge: no submission in flight")
)

// DispatchRequest is the submission metadata attached to a
// submission-request packet. Immutable once sent.
type DispatchRequest struct {
	TimeLimit    float64
	MemoryLimit  int64
	ShortCircuit bool
	PretestsOnly bool
	ContestNo    int64
	AttemptNo    int64
	UserID       int64
}

// Authenticator validates a judge's handshake credential.
type Authenticator interface {
	Authenticate(ctx context.Context, id, key string) bool
}

// SubmissionStore resolves submission metadata at dispatch time. A lookup
// failure fails the dispatch fast without marking the session busy.
type SubmissionStore interface {
	SubmissionData(ctx context.Context, submissionID string) (DispatchRequest, error)
}

// ResultEvent is one grading event forwarded to the downstream sink.
type ResultEvent struct {
	Judge        string          `json:"judge"`
	SubmissionID string          `json:"submission-id"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	EmittedAt    time.Time       `json:"emitted-at"`
}

// ResultSink receives forwarded grading events. Implementations must be
// bounded: a slow sink is an error, not a stall.
type ResultSink interface {
	Publish(ctx context.Context, event ResultEvent) error
}

// SessionRegistry is the pool of live sessions the scheduler queries.
type SessionRegistry interface {
	Register(s *Session) error
	Unregister(s *Session)
}

// SchedulerHooks is how the engine reports lifecycle facts the external
// scheduler must act on. Implementations must not block.
type SchedulerHooks interface {
	// SubmissionLost reports in-flight work on a session that died; the
	// submission needs rescheduling.
	SubmissionLost(submissionID string, judge string)
	// SubmissionFailed reports a judge-side internal error; the
	// submission needs attention.
	SubmissionFailed(submissionID string, judge string)
}

// Timeouts carries the protocol deadlines. Zero fields fall back to the
// production defaults; tests shrink them.
type Timeouts struct {
	Handshake    time.Duration
	Idle         time.Duration
	AckDeadline  time.Duration
	PingInterval time.Duration
	External     time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Handshake <= 0 {
		t.Handshake = 15 * time.Second
	}
	if t.Idle <= 0 {
		t.Idle = 60 * time.Second
	}
	if t.AckDeadline <= 0 {
		t.AckDeadline = 20 * time.Second
	}
	if t.PingInterval <= 0 {
		t.PingInterval = pingInterval
	}
	if t.External <= 0 {
		t.External = 5 * time.Second
	}
	return t
}

// Deps bundles the collaborators a session needs.
type Deps struct {
	Log      *zap.Logger
	Auth     Authenticator
	Store    SubmissionStore
	Sink     ResultSink
	Registry SessionRegistry
	Hooks    SchedulerHooks
	Timeouts Timeouts
	Now      func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	d.Timeouts = d.Timeouts.withDefaults()
	return d
}
