// Package protocol defines the wire envelope exchanged between the host and a
// module script, and the codec that moves it across the script channel.
//
// Envelopes travel as stringified JSON objects:
//
//	{"action":"HTTPRequest","reqId":"7","url":"https://…","headers":{…}}
//	{"action":"result","reqId":-1,"result":"{\"action\":\"result\",\"result\":\"…\"}"}
//
// The payload originates from third-party code, so decoding is strict and never
// panics: anything that is not an object with a string action, or that breaks
// the invariants of a known action, is rejected with ErrMalformed. Action
// strings the host does not understand decode to ActionUnknown so the
// dispatcher can report them as protocol violations.
//
// Responses to capability requests are injected back into the script as
// {"reqId":…,"responseText":…}. ScriptLiteral quotes text for concatenation
// into injected source.
package protocol
