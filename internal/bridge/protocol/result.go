package protocol

import (
	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
)

// DecodeResult unwraps the value a module reported with a result envelope.
// Modules usually double-encode ({"action":"result","result":"VALUE"} as a
// string); when outer is not such an envelope it is returned verbatim.
func DecodeResult(outer string) string {
	inner, ok := decodeResultEnvelope(outer)
	if !ok {
		return outer
	}
	return inner.Result
}

func decodeResultEnvelope(text string) (ResultEnvelope, bool) {
	if !gjson.Valid(text) {
		return ResultEnvelope{}, false
	}
	top := gjson.Parse(text)
	if !top.IsObject() {
		return ResultEnvelope{}, false
	}

	var probe struct {
		Action *string `json:"action"`
		Result *string `json:"result"`
	}
	if err := sonic.ConfigStd.UnmarshalFromString(text, &probe); err != nil {
		return ResultEnvelope{}, false
	}
	if probe.Action == nil || probe.Result == nil {
		return ResultEnvelope{}, false
	}
	return ResultEnvelope{Action: *probe.Action, Result: *probe.Result}, true
}
