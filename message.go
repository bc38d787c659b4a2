package toybox

import (
	"encoding/json"
	"fmt"
)

// DDP wire messages. The protocol is JSON text frames discriminated by the
// `msg` field. Only the subset the make.toys backend speaks is modeled here:
// connect/login/sub/unsub/method plus the four collection mutation kinds.
//
// make.toys serves raw DDP at wss://www.make.toys/websocket (no sockjs
// framing). The server announces itself with a {"server_id": ...} frame that
// carries no `msg` field and is dropped at the parse boundary.

const (
	MessageConnect   = "connect"
	MessageConnected = "connected"
	MessageFailed    = "failed"
	MessagePing      = "ping"
	MessagePong      = "pong"
	MessageSub       = "sub"
	MessageUnsub     = "unsub"
	MessageNosub     = "nosub"
	MessageAdded     = "added"
	MessageChanged   = "changed"
	MessageRemoved   = "removed"
	MessageReady     = "ready"
	MessageMethod    = "method"
	MessageResult    = "result"
	MessageUpdated   = "updated"
	MessageError     = "error"
)

// ddp protocol versions this client can speak
const DdpVersion = "1"

var DdpSupportedVersions = []string{"1"}

// a single struct is used for all message kinds so that the `msg` switch in
// the client is the one place that decides which fields are meaningful
type Message struct {
	Msg string `json:"msg"`

	// connect
	Version string   `json:"version,omitempty"`
	Support []string `json:"support,omitempty"`

	// connected
	Session string `json:"session,omitempty"`

	// ping/pong/sub/unsub/method/result/nosub correlation
	Id string `json:"id,omitempty"`

	// sub
	Name string `json:"name,omitempty"`

	// method
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`

	// added/changed/removed
	Collection string         `json:"collection,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Cleared    []string       `json:"cleared,omitempty"`

	// ready
	Subs []string `json:"subs,omitempty"`

	// result
	Result any          `json:"result,omitempty"`
	Error  *ServerError `json:"error,omitempty"`

	// updated
	Methods []string `json:"methods,omitempty"`

	// top-level error
	Reason string `json:"reason,omitempty"`
}

// ServerError is the DDP error object attached to failed results and nosub
// refusals. `error` is a number or string depending on the server code path.
type ServerError struct {
	ErrorCode any    `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
}

func (self *ServerError) String() string {
	if self == nil {
		return ""
	}
	if self.Reason != "" {
		return fmt.Sprintf("%v: %s", self.ErrorCode, self.Reason)
	}
	if self.Message != "" {
		return fmt.Sprintf("%v: %s", self.ErrorCode, self.Message)
	}
	return fmt.Sprintf("%v", self.ErrorCode)
}

// parseMessage decodes one inbound frame and classifies it. Unknown message
// kinds parse but return an error so the caller can log and drop them instead
// of silently falling through the dispatch switch.
func parseMessage(frame []byte) (*Message, error) {
	var message Message
	if err := json.Unmarshal(frame, &message); err != nil {
		return nil, err
	}
	switch message.Msg {
	case MessageConnected, MessageFailed, MessagePing, MessagePong,
		MessageAdded, MessageChanged, MessageRemoved,
		MessageReady, MessageNosub, MessageResult, MessageUpdated,
		MessageError:
		return &message, nil
	case "":
		// e.g. the server_id announcement frame
		return &message, fmt.Errorf("frame without msg discriminator")
	default:
		return &message, fmt.Errorf("unknown ddp message kind %q", message.Msg)
	}
}

func connectMessage() *Message {
	return &Message{
		Msg:     MessageConnect,
		Version: DdpVersion,
		Support: DdpSupportedVersions,
	}
}

func pongMessage(id string) *Message {
	return &Message{
		Msg: MessagePong,
		Id:  id,
	}
}

// params is optional on the wire, so nil and empty marshal the same
func subMessage(id string, name string, params []any) *Message {
	return &Message{
		Msg:    MessageSub,
		Id:     id,
		Name:   name,
		Params: params,
	}
}

func unsubMessage(id string) *Message {
	return &Message{
		Msg: MessageUnsub,
		Id:  id,
	}
}

func methodMessage(id string, method string, params []any) *Message {
	return &Message{
		Msg:    MessageMethod,
		Id:     id,
		Method: method,
		Params: params,
	}
}
