package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypePromptResolve MessageType = "prompt_resolve"
	TypePromptDismiss MessageType = "prompt_dismiss"
	TypeClientControl MessageType = "client_control"
	TypePromptShow    MessageType = "prompt_show"
	TypePromptHide    MessageType = "prompt_hide"
	TypeResolveResult MessageType = "resolve_result"
	TypeSystemEvent   MessageType = "system_event"
	TypeErrorEvent    MessageType = "error_event"
)

const (
	ControlPing  = "ping"
	ControlState = "state"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// PromptResolve is the user's answer to the visible prompt.
type PromptResolve struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RecordID  string      `json:"record_id"`
	Score     int         `json:"score"`
	Comment   string      `json:"comment,omitempty"`
}

type PromptDismiss struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RecordID  string      `json:"record_id"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

// PromptShow replaces whatever prompt the client currently displays.
type PromptShow struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	RecordID    string      `json:"record_id"`
	Kind        string      `json:"kind"`
	SubjectID   string      `json:"subject_id"`
	SubjectName string      `json:"subject_name,omitempty"`
	Note        string      `json:"note,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ChimeURL    string      `json:"chime_url,omitempty"`
}

type PromptHide struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RecordID  string      `json:"record_id"`
	Reason    string      `json:"reason"`
}

type ResolveResult struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RecordID  string      `json:"record_id"`
	Outcome   string      `json:"outcome"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail,omitempty"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypePromptResolve:
		var msg PromptResolve
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.RecordID = strings.TrimSpace(msg.RecordID)
		if msg.SessionID == "" || msg.RecordID == "" {
			return nil, errors.New("invalid prompt_resolve")
		}
		return msg, nil
	case TypePromptDismiss:
		var msg PromptDismiss
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.RecordID = strings.TrimSpace(msg.RecordID)
		if msg.SessionID == "" || msg.RecordID == "" {
			return nil, errors.New("invalid prompt_dismiss")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the message type of any protocol payload.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case PromptResolve:
		return m.Type, true
	case PromptDismiss:
		return m.Type, true
	case ClientControl:
		return m.Type, true
	case PromptShow:
		return m.Type, true
	case PromptHide:
		return m.Type, true
	case ResolveResult:
		return m.Type, true
	case SystemEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
