package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sebas/callbridge/internal/bridgeerr"
)

// StatusKind is one entry in a Call's append-only status log.
type StatusKind int

const (
	StatusCreated StatusKind = iota
	StatusStasisStart
	StatusDialAnswered
	StatusBridged
	StatusUserSpeaking
	StatusAgentSpeaking
	StatusBargedIn
	StatusHangupRequested
	StatusEnded
	StatusFailed
)

func (k StatusKind) String() string {
	switch k {
	case StatusCreated:
		return "CREATED"
	case StatusStasisStart:
		return "STASIS_START"
	case StatusDialAnswered:
		return "DIAL_ANSWERED"
	case StatusBridged:
		return "BRIDGED"
	case StatusUserSpeaking:
		return "USER_SPEAKING"
	case StatusAgentSpeaking:
		return "AGENT_SPEAKING"
	case StatusBargedIn:
		return "BARGED_IN"
	case StatusHangupRequested:
		return "HANGUP_REQUESTED"
	case StatusEnded:
		return "ENDED"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", k)
	}
}

// Status is one append-only status log entry.
type Status struct {
	Kind StatusKind
	At   time.Time
}

// UtteranceSpeaker tags who produced a dialog utterance.
type UtteranceSpeaker int

const (
	SpeakerUser UtteranceSpeaker = iota
	SpeakerAgent
)

func (s UtteranceSpeaker) String() string {
	if s == SpeakerAgent {
		return "agent"
	}
	return "user"
}

// Utterance is one transcribed turn.
type Utterance struct {
	Speaker UtteranceSpeaker
	Text    string
	At      time.Time
}

// Call is the unit of call lifecycle. It is owned exclusively by one
// Orchestrator; all mutation goes through its methods, which hold an
// internal mutex, so Call is safe to read concurrently (e.g. from an HTTP
// status handler in the owning process) while the orchestrator drives it.
type Call struct {
	mu sync.Mutex

	uuid    string
	phone   string
	state   State

	channelID         string
	bridgeID          string
	externalMediaID   string

	statusLog []Status
	dialog    []Utterance
}

// New creates a Call for a placement request. The UUID is generated here
// and is immutable thereafter; it is the correlation key threaded through
// ARI's externalMedia "data" field and matched against the AudioSocket
// IDENTIFY payload.
func New(phone string) *Call {
	c := &Call{
		uuid:  uuid.New().String(),
		phone: phone,
		state: Init,
	}
	c.appendStatus(StatusCreated)
	return c
}

func (c *Call) UUID() string  { return c.uuid }
func (c *Call) Phone() string { return c.phone }

// State returns the current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ChannelID, BridgeID, ExternalMediaID return the ARI resource identifiers
// once set (empty string before they are known).
func (c *Call) ChannelID() string       { c.mu.Lock(); defer c.mu.Unlock(); return c.channelID }
func (c *Call) BridgeID() string        { c.mu.Lock(); defer c.mu.Unlock(); return c.bridgeID }
func (c *Call) ExternalMediaID() string { c.mu.Lock(); defer c.mu.Unlock(); return c.externalMediaID }

// SetBridgeID sets the bridge identifier. It may only be set once, and only
// before the client channel id (spec.md §3 invariant ii: bridge →
// client-channel → external-media ordering).
func (c *Call) SetBridgeID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bridgeID != "" {
		return bridgeerr.New(bridgeerr.ContractViolation, "SetBridgeID", fmt.Errorf("bridge id already set"))
	}
	if c.channelID != "" || c.externalMediaID != "" {
		return bridgeerr.New(bridgeerr.ContractViolation, "SetBridgeID", fmt.Errorf("must be set before channel/external-media ids"))
	}
	c.bridgeID = id
	return nil
}

// SetChannelID sets the client channel identifier, after the bridge id and
// before the external-media id.
func (c *Call) SetChannelID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bridgeID == "" {
		return bridgeerr.New(bridgeerr.ContractViolation, "SetChannelID", fmt.Errorf("bridge id must be set first"))
	}
	if c.channelID != "" {
		return bridgeerr.New(bridgeerr.ContractViolation, "SetChannelID", fmt.Errorf("channel id already set"))
	}
	if c.externalMediaID != "" {
		return bridgeerr.New(bridgeerr.ContractViolation, "SetChannelID", fmt.Errorf("must be set before external-media id"))
	}
	c.channelID = id
	return nil
}

// SetExternalMediaID sets the external-media channel identifier, last in
// the ordering.
func (c *Call) SetExternalMediaID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bridgeID == "" || c.channelID == "" {
		return bridgeerr.New(bridgeerr.ContractViolation, "SetExternalMediaID", fmt.Errorf("bridge and channel ids must be set first"))
	}
	if c.externalMediaID != "" {
		return bridgeerr.New(bridgeerr.ContractViolation, "SetExternalMediaID", fmt.Errorf("external-media id already set"))
	}
	c.externalMediaID = id
	return nil
}

// Transition moves the call to next, appending a matching status log entry.
// It refuses illegal edges (see State.CanTransition).
func (c *Call) Transition(next State, status StatusKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CanTransition(next) {
		return bridgeerr.New(bridgeerr.ContractViolation, "Transition",
			fmt.Errorf("illegal transition %s -> %s", c.state, next))
	}
	c.state = next
	c.appendStatus(status)
	return nil
}

// MarkStatus appends a status log entry that does not itself move the
// lifecycle state (e.g. USER_SPEAKING, AGENT_SPEAKING, BARGED_IN, all of
// which happen while the call sits in Bridged).
func (c *Call) MarkStatus(kind StatusKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendStatus(kind)
}

// appendStatus appends to the status log. Callers must hold c.mu.
func (c *Call) appendStatus(kind StatusKind) {
	c.statusLog = append(c.statusLog, Status{Kind: kind, At: time.Now()})
}

// StatusLog returns a copy of the append-only status log.
func (c *Call) StatusLog() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, len(c.statusLog))
	copy(out, c.statusLog)
	return out
}

// AppendUtterance adds one transcribed turn to the dialog.
func (c *Call) AppendUtterance(speaker UtteranceSpeaker, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialog = append(c.dialog, Utterance{Speaker: speaker, Text: text, At: time.Now()})
}

// Dialog returns a copy of the transcribed utterance log.
func (c *Call) Dialog() []Utterance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Utterance, len(c.dialog))
	copy(out, c.dialog)
	return out
}
