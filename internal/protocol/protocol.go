// ABOUTME: Wire messages exchanged between the hub and agents over the tunnel
// ABOUTME: Commands, hello envelopes, answer validation, and chat relay formatting

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types carried in the "type" field of tunnel text frames.
const (
	TypeCommand = "command"
	TypeHello   = "hello"
)

// Actions an agent understands.
const (
	ActionHistory  = "history"
	ActionSnapshot = "snapshot"
)

// ErrMalformed is returned for frames or answers that cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// Command is pushed from the hub to one agent.
type Command struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Action    string `json:"action,omitempty"`
}

// NewCommand builds a command for the given correlation id.
func NewCommand(requestID, action string) Command {
	if action == "" {
		action = ActionHistory
	}
	return Command{Type: TypeCommand, RequestID: requestID, Action: action}
}

// Encode marshals the command for a text frame.
func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCommand parses a command frame. A frame without a type is accepted
// for agents talking to older hubs, as long as it carries a request id.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if cmd.Type != "" && cmd.Type != TypeCommand {
		return Command{}, fmt.Errorf("%w: unexpected type %q", ErrMalformed, cmd.Type)
	}
	if cmd.RequestID == "" {
		return Command{}, fmt.Errorf("%w: missing request_id", ErrMalformed)
	}
	if cmd.Action == "" {
		cmd.Action = ActionHistory
	}
	cmd.Type = TypeCommand
	return cmd, nil
}

// Hello is sent once by an agent right after the tunnel opens.
type Hello struct {
	Type     string `json:"type"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
}

// NewHello builds the agent's greeting.
func NewHello(hostname, version string) Hello {
	return Hello{Type: TypeHello, Hostname: hostname, Version: version}
}

// Encode marshals the hello for a text frame.
func (h Hello) Encode() ([]byte, error) {
	return json.Marshal(h)
}

// DecodeHello reports whether data is a hello envelope and returns it.
// Anything else, including plain chat text, yields false.
func DecodeHello(data []byte) (Hello, bool) {
	if len(data) == 0 || data[0] != '{' {
		return Hello{}, false
	}
	var h Hello
	if err := json.Unmarshal(data, &h); err != nil || h.Type != TypeHello {
		return Hello{}, false
	}
	return h, true
}

// ValidateAnswer checks that an agent's answer body is a single JSON value.
func ValidateAnswer(body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: empty answer", ErrMalformed)
	}
	if !json.Valid(body) {
		return fmt.Errorf("%w: answer is not valid JSON", ErrMalformed)
	}
	return nil
}

// ChatLine formats a relayed chat message with its sender's id.
func ChatLine(senderID uint64, text string) string {
	return fmt.Sprintf("<User#%d>: %s", senderID, text)
}
