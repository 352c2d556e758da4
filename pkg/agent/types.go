package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Known command types. The set is open; executors treat unknown types as no-ops.
const (
	CommandOpenURL       = "OPEN_URL"
	CommandFillSelector  = "FILL_SELECTOR"
	CommandClickSelector = "CLICK_SELECTOR"
)

// RequestTypeRemoteCommand tags requests sent to an execution context
const RequestTypeRemoteCommand = "REMOTE_COMMAND"

// Status is the outcome of a command
type Status string

const (
	StatusDone  Status = "done"
	StatusError Status = "error"
)

// CommandID identifies a command. The server may send it as a JSON string or number;
// it is marshaled back in the form it arrived in.
type CommandID struct {
	value   string
	numeric bool
}

// StringID returns a string command id
func StringID(s string) CommandID {
	return CommandID{value: s}
}

// NumericID returns a numeric command id
func NumericID(n int64) CommandID {
	return CommandID{value: strconv.FormatInt(n, 10), numeric: true}
}

// String returns the id text
func (id CommandID) String() string {
	return id.value
}

// IsZero reports whether the id is unset
func (id CommandID) IsZero() bool {
	return id.value == ""
}

// MarshalJSON implements json.Marshaler
func (id CommandID) MarshalJSON() ([]byte, error) {
	if id.numeric {
		return []byte(id.value), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler
func (id *CommandID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = CommandID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = CommandID{value: s}
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("command id must be a string or number: %w", err)
	}
	*id = CommandID{value: n.String(), numeric: true}
	return nil
}

// Command is a unit of work originated by the control server
type Command struct {
	ID      CommandID       `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CommandResult is the outcome reported back to the control server
type CommandResult struct {
	CommandID CommandID `json:"command_id"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
}

// Request is sent to an execution context
type Request struct {
	Type    string  `json:"type"`
	Command Command `json:"command"`
}

// Response is an execution context reply. An empty Status means done.
type Response struct {
	Status  Status `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// Outcome classifies how a cycle ended
type Outcome string

const (
	OutcomeUnauthenticated Outcome = "unauthenticated"
	OutcomeTokenError      Outcome = "token_error"
	OutcomeFetchError      Outcome = "fetch_error"
	OutcomeIdle            Outcome = "idle"
	OutcomeDispatched      Outcome = "dispatched"
)

// CycleReport describes one completed cycle
type CycleReport struct {
	CycleID   string         `json:"cycle_id"`
	BaseURL   string         `json:"base_url"`
	Outcome   Outcome        `json:"outcome"`
	Command   *Command       `json:"command,omitempty"`
	Result    *CommandResult `json:"result,omitempty"`
	Err       string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}
