package ari

import "encoding/json"

// EventType is the discriminant of an ARI event's "type" field.
type EventType string

const (
	EventStasisStart          EventType = "StasisStart"
	EventStasisEnd            EventType = "StasisEnd"
	EventDial                 EventType = "Dial"
	EventChannelVarset        EventType = "ChannelVarset"
	EventChannelHangupRequest EventType = "ChannelHangupRequest"
	EventChannelDestroyed     EventType = "ChannelDestroyed"
	EventChannelStateChange   EventType = "ChannelStateChange"
	EventChannelLeftBridge    EventType = "ChannelLeftBridge"
	EventChannelEnteredBridge EventType = "ChannelEnteredBridge"
	EventChannelDialplan      EventType = "ChannelDialplan"
)

// Channel is the common channel sub-object embedded in most ARI events.
type Channel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// Event is the parsed form of one ARI WebSocket message: Type discriminates
// which of the typed fields below is populated.
type Event struct {
	Type EventType

	StasisStart          *StasisStartEvent
	StasisEnd            *StasisEndEvent
	Dial                 *DialEvent
	ChannelVarset        *ChannelVarsetEvent
	ChannelHangupRequest *ChannelHangupRequestEvent
	ChannelDestroyed     *ChannelDestroyedEvent
	ChannelStateChange   *ChannelStateChangeEvent
}

type StasisStartEvent struct {
	Channel Channel  `json:"channel"`
	Args    []string `json:"args"`
}

type StasisEndEvent struct {
	Channel Channel `json:"channel"`
}

type DialEvent struct {
	Peer       Channel `json:"peer"`
	Caller     Channel `json:"caller"`
	DialStatus string  `json:"dialstatus"`
}

type ChannelVarsetEvent struct {
	Channel  Channel `json:"channel"`
	Variable string  `json:"variable"`
	Value    string  `json:"value"`
}

type ChannelHangupRequestEvent struct {
	Channel Channel `json:"channel"`
	Cause   int     `json:"cause"`
}

type ChannelDestroyedEvent struct {
	Channel    Channel `json:"channel"`
	CauseTxt   string  `json:"cause_txt"`
}

type ChannelStateChangeEvent struct {
	Channel Channel `json:"channel"`
}

// ParseEvent decodes raw into its generic "type" field first, then
// re-decodes into the concrete event struct that type names. Unknown event
// types decode to an Event with only Type set; callers should ignore them.
func ParseEvent(raw []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Event{}, err
	}

	ev := Event{Type: head.Type}
	switch head.Type {
	case EventStasisStart:
		var e StasisStartEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return ev, err
		}
		ev.StasisStart = &e
	case EventStasisEnd:
		var e StasisEndEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return ev, err
		}
		ev.StasisEnd = &e
	case EventDial:
		var e DialEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return ev, err
		}
		ev.Dial = &e
	case EventChannelVarset:
		var e ChannelVarsetEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return ev, err
		}
		ev.ChannelVarset = &e
	case EventChannelHangupRequest:
		var e ChannelHangupRequestEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return ev, err
		}
		ev.ChannelHangupRequest = &e
	case EventChannelDestroyed:
		var e ChannelDestroyedEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return ev, err
		}
		ev.ChannelDestroyed = &e
	case EventChannelStateChange:
		var e ChannelStateChangeEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return ev, err
		}
		ev.ChannelStateChange = &e
	}
	return ev, nil
}
