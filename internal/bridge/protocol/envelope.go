package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// Action is the closed set of envelope kinds understood by the host.
type Action int

const (
	ActionUnknown Action = iota
	ActionHTTPRequest
	ActionResult
	ActionError
	ActionLogic
)

// ParseAction maps a wire action string to its Action. Matching is exact.
func ParseAction(s string) Action {
	switch s {
	case "HTTPRequest":
		return ActionHTTPRequest
	case "result":
		return ActionResult
	case "error":
		return ActionError
	case "logic":
		return ActionLogic
	default:
		return ActionUnknown
	}
}

// String returns the wire form of the action.
func (a Action) String() string {
	switch a {
	case ActionHTTPRequest:
		return "HTTPRequest"
	case ActionResult:
		return "result"
	case ActionError:
		return "error"
	case ActionLogic:
		return "logic"
	default:
		return "unknown"
	}
}

type idKind uint8

const (
	idNone idKind = iota
	idString
	idNumber
)

// noneNumber is the id the module runtime uses for host-initiated calls.
const noneNumber = "-1"

// Identifier is a request correlation id. The zero value is the sentinel
// meaning "host-initiated, no reply expected". The JSON kind (string or
// number) is preserved so an echoed id compares equal in the script.
type Identifier struct {
	kind idKind
	raw  string
}

// NoID returns the sentinel identifier.
func NoID() Identifier { return Identifier{} }

// StringID returns an identifier encoded as a JSON string.
func StringID(s string) Identifier { return Identifier{kind: idString, raw: s} }

// NumberID returns an identifier encoded as a JSON number.
func NumberID(n int64) Identifier {
	if n == -1 {
		return NoID()
	}
	return Identifier{kind: idNumber, raw: strconv.FormatInt(n, 10)}
}

// IsNone reports whether id is the sentinel.
func (id Identifier) IsNone() bool { return id.kind == idNone }

// Key returns a map key unique per (kind, value).
func (id Identifier) Key() string {
	switch id.kind {
	case idString:
		return "s:" + id.raw
	case idNumber:
		return "n:" + id.raw
	default:
		return ""
	}
}

// String returns the id for logs.
func (id Identifier) String() string {
	if id.kind == idNone {
		return "none"
	}
	return id.raw
}

// MarshalJSON implements json.Marshaler.
func (id Identifier) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idString:
		return sonic.ConfigStd.Marshal(id.raw)
	case idNumber:
		return []byte(id.raw), nil
	default:
		return []byte(noneNumber), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler. Accepts strings, numbers and
// null; -1 and null decode to the sentinel.
func (id *Identifier) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	switch {
	case text == "null":
		*id = NoID()
		return nil
	case strings.HasPrefix(text, `"`):
		var s string
		if err := sonic.ConfigStd.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("reqId: %w", err)
		}
		*id = StringID(s)
		return nil
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("reqId must be a string or number, got %.32q", text)
	}
	if f == -1 {
		*id = NoID()
		return nil
	}
	*id = Identifier{kind: idNumber, raw: text}
	return nil
}

// LogicPayload is the argument of a host-initiated logic invocation.
type LogicPayload struct {
	Query  string `json:"query"`
	Action string `json:"action"`
}

// RequestEnvelope is a message crossing the bridge in either direction.
type RequestEnvelope struct {
	Action    Action
	RawAction string // wire string, kept for ActionUnknown
	RequestID Identifier

	URL     *string
	Headers map[string]string // nil when absent or null
	Result  *string
	Method  *string
	Body    *string

	Payload    *LogicPayload
	ShouldExit *bool
}

// ActionName returns the wire action string.
func (e *RequestEnvelope) ActionName() string {
	if e.Action == ActionUnknown && e.RawAction != "" {
		return e.RawAction
	}
	return e.Action.String()
}

// HTTPMethod returns the request method, GET when unset.
func (e *RequestEnvelope) HTTPMethod() string {
	if e.Method == nil || *e.Method == "" {
		return "GET"
	}
	return strings.ToUpper(*e.Method)
}

// ResultEnvelope is the inner envelope a module double-encodes into
// RequestEnvelope.Result.
type ResultEnvelope struct {
	Action string `json:"action"`
	Result string `json:"result"`
}

// Response is injected into the script when a capability request completes.
type Response struct {
	RequestID    Identifier     `json:"reqId"`
	ResponseText string         `json:"responseText"`
	Error        *ResponseError `json:"error,omitempty"`
}

// ResponseError describes a request that failed terminally.
type ResponseError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// NewLogicEnvelope builds the bootstrap envelope delivered on session start.
func NewLogicEnvelope(query, action string) *RequestEnvelope {
	return &RequestEnvelope{
		Action:    ActionLogic,
		RequestID: NoID(),
		Payload:   &LogicPayload{Query: query, Action: action},
	}
}
