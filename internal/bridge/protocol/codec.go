package protocol

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
)

var (
	// ErrMalformed marks input that is not a valid envelope.
	ErrMalformed = errors.New("malformed envelope")
	// ErrUnknownAction marks a well-formed envelope whose action the host
	// does not handle in that direction.
	ErrUnknownAction = errors.New("unknown action")
)

// wireEnvelope mirrors the JSON layout of RequestEnvelope.
type wireEnvelope struct {
	Action     string             `json:"action"`
	RequestID  Identifier         `json:"reqId"`
	URL        *string            `json:"url,omitempty"`
	Headers    *map[string]string `json:"headers,omitempty"`
	Result     *string            `json:"result,omitempty"`
	Method     *string            `json:"method,omitempty"`
	Body       *string            `json:"body,omitempty"`
	Payload    *LogicPayload      `json:"payload,omitempty"`
	ShouldExit *bool              `json:"shouldExit,omitempty"`
}

func malformed(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformed, reason)
}

// Decode parses a message posted by the script.
func Decode(data []byte) (*RequestEnvelope, error) {
	if !gjson.ValidBytes(data) {
		return nil, malformed("not valid JSON")
	}
	top := gjson.ParseBytes(data)
	if !top.IsObject() {
		return nil, malformed("top level is not an object")
	}
	if action := top.Get("action"); action.Type != gjson.String {
		return nil, malformed("action missing or not a string")
	}

	var w wireEnvelope
	if err := sonic.ConfigStd.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	env := &RequestEnvelope{
		Action:     ParseAction(w.Action),
		RawAction:  w.Action,
		RequestID:  w.RequestID,
		URL:        w.URL,
		Result:     w.Result,
		Method:     w.Method,
		Body:       w.Body,
		Payload:    w.Payload,
		ShouldExit: w.ShouldExit,
	}
	if w.Headers != nil {
		env.Headers = *w.Headers
	}
	if env.Action != ActionUnknown {
		env.RawAction = ""
	}

	if err := validate(env); err != nil {
		return nil, err
	}
	return env, nil
}

// DecodeString is Decode for text received from the script engine.
func DecodeString(text string) (*RequestEnvelope, error) {
	return Decode([]byte(text))
}

func validate(env *RequestEnvelope) error {
	switch env.Action {
	case ActionHTTPRequest:
		if env.URL == nil {
			return malformed("HTTPRequest without url")
		}
		if env.Headers == nil {
			return malformed("HTTPRequest without headers")
		}
	case ActionResult:
		if env.Result == nil {
			return malformed("result without result")
		}
	case ActionError, ActionLogic, ActionUnknown:
	}
	return nil
}

// Encode serializes an envelope. Inputs are host-constructed.
func Encode(env *RequestEnvelope) ([]byte, error) {
	w := wireEnvelope{
		Action:     env.ActionName(),
		RequestID:  env.RequestID,
		URL:        env.URL,
		Result:     env.Result,
		Method:     env.Method,
		Body:       env.Body,
		Payload:    env.Payload,
		ShouldExit: env.ShouldExit,
	}
	if env.Headers != nil {
		headers := env.Headers
		w.Headers = &headers
	}
	return sonic.ConfigStd.Marshal(&w)
}

// EncodeResult serializes the inner result envelope.
func EncodeResult(r ResultEnvelope) ([]byte, error) {
	return sonic.ConfigStd.Marshal(&r)
}

// EncodeResponse serializes the message injected after a capability request.
func EncodeResponse(r Response) ([]byte, error) {
	return sonic.ConfigStd.Marshal(&r)
}

// ScriptLiteral quotes text as a JSON string literal, which is also a valid
// script string literal.
func ScriptLiteral(text string) (string, error) {
	quoted, err := sonic.ConfigStd.Marshal(text)
	if err != nil {
		return "", err
	}
	return string(quoted), nil
}
