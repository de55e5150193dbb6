package protocol

import (
	"errors"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestDecodeHTTPRequest(t *testing.T) {
	env, err := DecodeString(`{"action":"HTTPRequest","reqId":"42","url":"https://example.org/a","headers":{"Referer":"x"},"method":"post","body":"q=1"}`)
	require.NoError(t, err)

	assert.Equal(t, ActionHTTPRequest, env.Action)
	assert.Equal(t, StringID("42"), env.RequestID)
	assert.Equal(t, "https://example.org/a", *env.URL)
	assert.Equal(t, map[string]string{"Referer": "x"}, env.Headers)
	assert.Equal(t, "POST", env.HTTPMethod())
	assert.Equal(t, "q=1", *env.Body)
}

func TestDecodeIdentifierKinds(t *testing.T) {
	tests := []struct {
		name string
		json string
		want Identifier
	}{
		{"string", `{"action":"error","reqId":"abc"}`, StringID("abc")},
		{"number", `{"action":"error","reqId":7}`, NumberID(7)},
		{"sentinel", `{"action":"error","reqId":-1}`, NoID()},
		{"null", `{"action":"error","reqId":null}`, NoID()},
		{"absent", `{"action":"error"}`, NoID()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeString(tt.json)
			require.NoError(t, err)
			assert.Equal(t, tt.want, env.RequestID)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	inputs := map[string]string{
		"empty":               ``,
		"not json":            `hello`,
		"array":               `[1,2]`,
		"string":              `"HTTPRequest"`,
		"missing action":      `{"reqId":1}`,
		"numeric action":      `{"action":5}`,
		"http without url":    `{"action":"HTTPRequest","reqId":1,"headers":{}}`,
		"http without header": `{"action":"HTTPRequest","reqId":1,"url":"https://a"}`,
		"http null headers":   `{"action":"HTTPRequest","reqId":1,"url":"https://a","headers":null}`,
		"result without body": `{"action":"result","reqId":1}`,
		"bad header values":   `{"action":"HTTPRequest","reqId":1,"url":"https://a","headers":{"a":1}}`,
		"bool id":             `{"action":"error","reqId":true}`,
		"object id":           `{"action":"error","reqId":{}}`,
		"truncated":           `{"action":"result","result":"x"`,
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			env, err := DecodeString(input)
			assert.Nil(t, env)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestDecodeUnknownAction(t *testing.T) {
	env, err := DecodeString(`{"action":"pingpong","reqId":3}`)
	require.NoError(t, err)

	assert.Equal(t, ActionUnknown, env.Action)
	assert.Equal(t, "pingpong", env.ActionName())
}

func TestRoundTrip(t *testing.T) {
	exit := true
	envelopes := []*RequestEnvelope{
		NewLogicEnvelope("naruto", "search"),
		{
			Action:    ActionHTTPRequest,
			RequestID: StringID("r-1"),
			URL:       strPtr("https://example.org/?q=a&b=<c>"),
			Headers:   map[string]string{},
			Method:    strPtr("GET"),
		},
		{
			Action:    ActionHTTPRequest,
			RequestID: NumberID(12),
			URL:       strPtr("https://example.org"),
			Headers:   map[string]string{"Accept": "text/html", "X-Quote": `"q"`},
			Body:      strPtr("line1\nline2 "),
		},
		{
			Action:     ActionResult,
			RequestID:  NoID(),
			Result:     strPtr(`{"action":"result","result":"VALUE"}`),
			ShouldExit: &exit,
		},
		{Action: ActionError, RequestID: StringID(""), Result: strPtr("boom")},
		{Action: ActionUnknown, RawAction: "pingpong", RequestID: NumberID(3)},
	}

	for _, env := range envelopes {
		t.Run(env.ActionName(), func(t *testing.T) {
			data, err := Encode(env)
			require.NoError(t, err)

			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, env, decoded)
		})
	}
}

func TestEncodeResponse(t *testing.T) {
	data, err := EncodeResponse(Response{RequestID: NumberID(5), ResponseText: "<html>"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"reqId":5,"responseText":"<html>"}`, string(data))

	data, err = EncodeResponse(Response{
		RequestID: StringID("5"),
		Error:     &ResponseError{Kind: "blocked", Message: "403", Status: 403},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"reqId":"5","responseText":"","error":{"kind":"blocked","message":"403","status":403}}`, string(data))
}

func TestScriptLiteral(t *testing.T) {
	lit, err := ScriptLiteral("a\"b\\c\n</script>")
	require.NoError(t, err)

	assert.NotContains(t, lit, "\n")
	assert.Equal(t, byte('"'), lit[0])
	assert.Equal(t, byte('"'), lit[len(lit)-1])

	var back string
	require.NoError(t, sonic.ConfigStd.UnmarshalFromString(lit, &back))
	assert.Equal(t, "a\"b\\c\n</script>", back)
}

func FuzzDecode(f *testing.F) {
	f.Add(`{"action":"HTTPRequest","reqId":1,"url":"u","headers":{}}`)
	f.Add(`{"action":"result","result":"{\"action\":\"result\",\"result\":\"v\"}"}`)
	f.Add(`{"action":"error","reqId":"x"}`)
	f.Add(`[]`)
	f.Add(`{"action":{"nested":true}}`)

	f.Fuzz(func(t *testing.T, input string) {
		env, err := DecodeString(input)
		if err != nil {
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("unexpected error kind: %v", err)
			}
			return
		}
		if env.Action == ActionHTTPRequest && (env.URL == nil || env.Headers == nil) {
			t.Fatalf("HTTPRequest invariant violated: %+v", env)
		}
		if env.Action == ActionResult && env.Result == nil {
			t.Fatalf("result invariant violated: %+v", env)
		}
	})
}
