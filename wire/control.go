package wire

import (
	"encoding/json"
	"fmt"
)

// Command names a control request.
type Command string

// Control commands understood by the dispatcher.
const (
	CmdRegisterAgent Command = "register_agent"
	CmdAgentQueues   Command = "agent_queues"
	CmdPulse         Command = "pulse"
	CmdClientQueues  Command = "client_queues"
	CmdDisconnect    Command = "disconnect"
	CmdRelay         Command = "relay"
	CmdAgentCommand  Command = "agent_command"
)

// Commands lists every control command in a stable order.
var Commands = []Command{
	CmdRegisterAgent,
	CmdAgentQueues,
	CmdPulse,
	CmdClientQueues,
	CmdDisconnect,
	CmdRelay,
	CmdAgentCommand,
}

// Known reports whether c is one of Commands.
func (c Command) Known() bool {
	for _, k := range Commands {
		if c == k {
			return true
		}
	}
	return false
}

// RemoteCommand is an instruction the dispatcher piggybacks on a pulse reply.
type RemoteCommand string

// Remote commands an agent knows how to apply.
const (
	RemoteDisconnect RemoteCommand = "disconnect"
	RemoteShutdown   RemoteCommand = "shutdown"
)

// RemoteCommands lists every remote command.
var RemoteCommands = []RemoteCommand{RemoteDisconnect, RemoteShutdown}

// Known reports whether c is one of RemoteCommands.
func (c RemoteCommand) Known() bool {
	for _, k := range RemoteCommands {
		if c == k {
			return true
		}
	}
	return false
}

// Request is a control request document.
type Request struct {
	Command  Command         `json:"command"`
	ID       int             `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Token    string          `json:"token,omitempty"`
	Reply    *Reply          `json:"reply,omitempty"`
	Commands []RemoteCommand `json:"commands,omitempty"`
}

// Response is the dispatcher's answer to a Request. Result is false when the
// request was understood but could not be honoured; Error is set when the
// request was rejected outright.
type Response struct {
	Command     Command          `json:"command"`
	ID          int              `json:"id,omitempty"`
	Result      bool             `json:"result"`
	BrokerHost  string           `json:"brokerHost,omitempty"`
	Queue       *QueueDescriptor `json:"queue,omitempty"`
	TaskQueue   *QueueDescriptor `json:"taskQueue,omitempty"`
	ResultQueue *QueueDescriptor `json:"resultQueue,omitempty"`
	Reply       *Reply           `json:"reply,omitempty"`
	Echo        json.RawMessage  `json:"echo,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Reject builds a rejection response for cmd.
func Reject(cmd Command, reason string) *Response {
	return &Response{Command: cmd, Result: false, Error: reason}
}

// DecodeRequest parses a control request. The document must be a JSON object
// with a non-empty command; whether the command is known is left to the
// receiver.
func DecodeRequest(data []byte) (*Request, error) {
	if err := checkObject(data); err != nil {
		return nil, err
	}
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.Command == "" {
		return nil, fmt.Errorf("%w: command", ErrMissingEnvelope)
	}
	return &r, nil
}

// DecodeResponse parses a control response.
func DecodeResponse(data []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &r, nil
}

// Reply is the pulse payload. An agent sends arbitrary Fields; the dispatcher
// returns them with any pending Commands attached. On the wire both share one
// JSON object.
type Reply struct {
	Fields   map[string]any
	Commands []RemoteCommand
}

// MarshalJSON implements json.Marshaler.
func (r Reply) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		m[k] = v
	}
	if len(r.Commands) > 0 {
		m["commands"] = r.Commands
	} else {
		delete(m, "commands")
	}
	return json.Marshal(m)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Reply) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	r.Fields = nil
	r.Commands = nil
	if raw, ok := m["commands"]; ok {
		if err := json.Unmarshal(raw, &r.Commands); err != nil {
			return fmt.Errorf("reply commands: %w", err)
		}
		delete(m, "commands")
	}
	if len(m) > 0 {
		r.Fields = make(map[string]any, len(m))
		for k, raw := range m {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			r.Fields[k] = v
		}
	}
	return nil
}
