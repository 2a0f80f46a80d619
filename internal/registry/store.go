// Package registry holds the pool of live judge sessions and answers the
// scheduler's capability queries. It keeps non-owning references only;
// each session tears itself down and leaves the pool on disconnect.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/judgebridge/judgebridge/internal/bridge"
)

var (
	ErrDuplicateIdentity = errors.New("registry: judge with this identity is already connected")
	ErrJudgeNotFound     = errors.New("registry: judge not found")
	ErrNoCapableJudge    = errors.New("registry: no capable judge available")
	ErrSubmissionUnknown = errors.New("registry: no session is grading this submission")
)

// Stats summarizes the pool for the control API.
type Stats struct {
	Total   int `json:"total"`
	Working int `json:"working"`
	Idle    int `json:"idle"`
	Drained int `json:"drained"`
}

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*bridge.Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*bridge.Session)}
}

// Register adds a freshly authenticated session. A second connection for
// an identity that is still live is rejected; the stale session must
// disconnect first.
func (s *Store) Register(session *bridge.Session) error {
	name := session.Name()
	if name == "" {
		return ErrJudgeNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[name]; exists {
		return ErrDuplicateIdentity
	}
	s.sessions[name] = session
	return nil
}

// Unregister removes the session. The pointer is compared so a late
// unregister from a dead session cannot evict a newer one that reused
// the identity.
func (s *Store) Unregister(session *bridge.Session) {
	name := session.Name()
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.sessions[name]; ok && current == session {
		delete(s.sessions, name)
	}
}

func (s *Store) Get(name string) (*bridge.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[name]
	return session, ok
}

// FindAvailable returns the best idle session able to judge the problem
// with the executor, preferring lower reported load, then lower mean
// latency. judgeID pins the choice to one identity.
func (s *Store) FindAvailable(problem, executor, judgeID string) (*bridge.Session, error) {
	s.mu.RLock()
	candidates := make([]*bridge.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if session.Working() {
			continue
		}
		if !session.CanJudge(problem, executor, judgeID) {
			continue
		}
		candidates = append(candidates, session)
	}
	s.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, ErrNoCapableJudge
	}
	sort.Slice(candidates, func(i, j int) bool {
		hi, hj := candidates[i].Health(), candidates[j].Health()
		if hi.Load != hj.Load {
			return hi.Load < hj.Load
		}
		return hi.Latency < hj.Latency
	})
	return candidates[0], nil
}

// FindGrading returns the session currently holding the submission.
func (s *Store) FindGrading(submissionID string) (*bridge.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.sessions {
		if current, ok := session.CurrentSubmission(); ok && current == submissionID {
			return session, nil
		}
	}
	return nil, ErrSubmissionUnknown
}

func (s *Store) List() []bridge.Snapshot {
	s.mu.RLock()
	sessions := make([]*bridge.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.RUnlock()

	snapshots := make([]bridge.Snapshot, 0, len(sessions))
	for _, session := range sessions {
		snapshots = append(snapshots, session.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Name < snapshots[j].Name
	})
	return snapshots
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{}
	for _, session := range s.sessions {
		stats.Total++
		if session.Working() {
			stats.Working++
		} else {
			stats.Idle++
		}
		if !session.Accepting() {
			stats.Drained++
		}
	}
	return stats
}

// Dispatch selects a session for the submission and submits it. The
// caller supplies problem/language/source; metadata comes from the
// submission store inside the session.
func (s *Store) Dispatch(ctx context.Context, submissionID, problem, language, source, judgeID string) (string, error) {
	session, err := s.FindAvailable(problem, language, judgeID)
	if err != nil {
		return "", err
	}
	if err := session.Submit(ctx, submissionID, problem, language, source); err != nil {
		return "", err
	}
	return session.Name(), nil
}

// Abort forwards a terminate request to whichever session is grading the
// submission.
func (s *Store) Abort(submissionID string) error {
	session, err := s.FindGrading(submissionID)
	if err != nil {
		return err
	}
	return session.Abort()
}

// DisconnectJudge disconnects a judge by identity.
func (s *Store) DisconnectJudge(name string, force bool) error {
	session, ok := s.Get(name)
	if !ok {
		return ErrJudgeNotFound
	}
	session.Disconnect(force)
	return nil
}
