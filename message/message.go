// Package message defines the wire values exchanged between client and server.
//
// A Request is the "envelope" for every remote invocation. It gets serialized
// by the codec layer and wrapped in a length-prefixed frame for transmission.
// A Response travels the other way, but only for Call requests: Notify
// requests are fire-and-forget and never produce one.
package message

// Kind discriminates the two request flavors on the wire.
type Kind byte

const (
	// Call expects exactly one Response.
	Call Kind = 0
	// Notify expects no Response. Handler failures are visible only in
	// server-side logs.
	Notify Kind = 1
)

// Request carries one remote invocation.
//
//   - Method names the handler method to invoke.
//   - Args are the positional arguments, in call order.
//   - Kwargs are the named arguments. Keys are always plain UTF-8 text;
//     the map type enforces this at the codec boundary.
type Request struct {
	Kind   Kind           `json:"kind"`
	Method string         `json:"method"`
	Args   []any          `json:"params,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// Response carries the outcome of one Call.
//
// Exactly one of Result/Error is meaningful: Error is empty on success and a
// human-readable rendering of the failure otherwise. Callers must not match
// the error text against a closed taxonomy.
type Response struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}
