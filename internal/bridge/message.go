package bridge

import (
	"encoding/json"
)

// Message is one decoded packet from a judge. The set of variants mirrors
// the wire catalogue; anything that does not decode into a known variant
// becomes Unrecognized so a hostile or buggy peer can never take the
// session down with a single packet.
type Message interface {
	messageName() string
}

// ProblemEntry is one entry of a judge's problem announcement. On the wire
// it is a two-element array of code and modification time.
type ProblemEntry struct {
	Code    string
	ModTime float64
}

func (p *ProblemEntry) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		// Some judges announce bare codes.
		return json.Unmarshal(data, &p.Code)
	}
	if len(parts) > 0 {
		if err := json.Unmarshal(parts[0], &p.Code); err != nil {
			return err
		}
	}
	if len(parts) > 1 {
		if err := json.Unmarshal(parts[1], &p.ModTime); err != nil {
			return err
		}
	}
	return nil
}

func (p ProblemEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Code, p.ModTime})
}

type Handshake struct {
	ID        string                     `json:"id"`
	Key       string                     `json:"key"`
	Problems  []ProblemEntry             `json:"problems"`
	Executors map[string]json.RawMessage `json:"executors"`
}

type SubmissionAcknowledged struct {
	SubmissionID string `json:"submission-id"`
}

type GradingBegin struct {
	SubmissionID string `json:"submission-id"`
	Pretested    bool   `json:"pretested"`
}

type GradingEnd struct {
	SubmissionID string `json:"submission-id"`
}

type CompileError struct {
	SubmissionID string `json:"submission-id"`
	Log          string `json:"log"`
}

type CompileMessage struct {
	SubmissionID string `json:"submission-id"`
	Log          string `json:"log"`
}

type BatchBegin struct {
	SubmissionID string `json:"submission-id"`
}

type BatchEnd struct {
	SubmissionID string `json:"submission-id"`
}

type TestCaseStatus struct {
	SubmissionID     string  `json:"submission-id"`
	Position         int     `json:"position"`
	Status           int     `json:"status"`
	Time             float64 `json:"time"`
	Memory           float64 `json:"memory"`
	Points           float64 `json:"points"`
	TotalPoints      float64 `json:"total-points"`
	Batch            int     `json:"batch"`
	Feedback         string  `json:"feedback"`
	ExtendedFeedback string  `json:"extended-feedback"`
	Output           string  `json:"output"`
}

type InternalError struct {
	SubmissionID string `json:"submission-id"`
	Message      string `json:"message"`
}

type SubmissionTerminated struct {
	SubmissionID string `json:"submission-id"`
}

type PingResponse struct {
	When float64 `json:"when"`
	Time float64 `json:"time"`
	Load float64 `json:"load"`
}

type SupportedProblems struct {
	Problems []ProblemEntry `json:"problems"`
}

// Unrecognized carries a packet with an unknown or missing name, or one
// whose body failed to decode.
type Unrecognized struct {
	Name string
	Raw  []byte
}

func (Handshake) messageName() string              { return "handshake" }
func (SubmissionAcknowledged) messageName() string { return "submission-acknowledged" }
func (GradingBegin) messageName() string           { return "grading-begin" }
func (GradingEnd) messageName() string             { return "grading-end" }
func (CompileError) messageName() string           { return "compile-error" }
func (CompileMessage) messageName() string         { return "compile-message" }
func (BatchBegin) messageName() string             { return "batch-begin" }
func (BatchEnd) messageName() string               { return "batch-end" }
func (TestCaseStatus) messageName() string         { return "test-case-status" }
func (InternalError) messageName() string          { return "internal-error" }
func (SubmissionTerminated) messageName() string   { return "submission-terminated" }
func (PingResponse) messageName() string           { return "ping-response" }
func (SupportedProblems) messageName() string      { return "supported-problems" }
func (u Unrecognized) messageName() string         { return u.Name }

// Decode turns a raw packet into its message variant. It never fails:
// undecodable input degrades to Unrecognized.
func Decode(raw []byte) Message {
	var envelope struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Name == "" {
		return Unrecognized{Raw: raw}
	}

	switch envelope.Name {
	case "handshake":
		return decodeAs[Handshake](envelope.Name, raw)
	case "submission-acknowledged":
		return decodeAs[SubmissionAcknowledged](envelope.Name, raw)
	case "grading-begin":
		return decodeAs[GradingBegin](envelope.Name, raw)
	case "grading-end":
		return decodeAs[GradingEnd](envelope.Name, raw)
	case "compile-error":
		return decodeAs[CompileError](envelope.Name, raw)
	case "compile-message":
		return decodeAs[CompileMessage](envelope.Name, raw)
	case "batch-begin":
		return decodeAs[BatchBegin](envelope.Name, raw)
	case "batch-end":
		return decodeAs[BatchEnd](envelope.Name, raw)
	case "test-case-status":
		return decodeAs[TestCaseStatus](envelope.Name, raw)
	case "internal-error":
		return decodeAs[InternalError](envelope.Name, raw)
	case "submission-terminated":
		return decodeAs[SubmissionTerminated](envelope.Name, raw)
	case "ping-response":
		return decodeAs[PingResponse](envelope.Name, raw)
	case "supported-problems":
		return decodeAs[SupportedProblems](envelope.Name, raw)
	default:
		return Unrecognized{Name: envelope.Name, Raw: raw}
	}
}

func decodeAs[T Message](name string, raw []byte) Message {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return Unrecognized{Name: name, Raw: raw}
	}
	return m
}

// Outbound packets. Every packet carries its name so the judge-side
// dispatcher can route it.

type handshakeSuccessPacket struct {
	Name string `json:"name"`
}

type pingPacket struct {
	Name string  `json:"name"`
	When float64 `json:"when"`
}

type terminatePacket struct {
	Name string `json:"name"`
}

type disconnectPacket struct {
	Name string `json:"name"`
}

type submissionRequestPacket struct {
	Name         string         `json:"name"`
	SubmissionID string         `json:"submission-id"`
	ProblemID    string         `json:"problem-id"`
	Language     string         `json:"language"`
	Source       string         `json:"source"`
	TimeLimit    float64        `json:"time-limit"`
	MemoryLimit  int64          `json:"memory-limit"`
	ShortCircuit bool           `json:"short-circuit"`
	Meta         submissionMeta `json:"meta"`
}

type submissionMeta struct {
	PretestsOnly bool  `json:"pretests-only"`
	InContest    int64 `json:"in-contest"`
	AttemptNo    int64 `json:"attempt-no"`
	User         int64 `json:"user"`
}

func newHandshakeSuccess() handshakeSuccessPacket {
	return handshakeSuccessPacket{Name: "handshake-success"}
}

func newPing(when float64) pingPacket {
	return pingPacket{Name: "ping", When: when}
}

func newTerminate() terminatePacket {
	return terminatePacket{Name: "terminate-submission"}
}

func newDisconnect() disconnectPacket {
	return disconnectPacket{Name: "disconnect"}
}
