package bridge

// Kind tags each frame on the wire.
type Kind string

const (
	KindHello   Kind = "hello"
	KindWelcome Kind = "welcome"
	KindEvent   Kind = "event"
	KindQuery   Kind = "query"
	KindAction  Kind = "action"
	KindReply   Kind = "reply"
)

// Error codes carried in a reply.
const (
	codeUnknown = "unknown"
	codeInvalid = "invalid"
	codeFailed  = "failed"
)

// Envelope is a single frame. Queries and actions carry an ID that the
// matching reply echoes; events carry none.
type Envelope struct {
	Kind    Kind       `cbor:"k"`
	ID      uint64     `cbor:"i,omitempty"`
	Name    string     `cbor:"n,omitempty"`
	Key     string     `cbor:"key,omitempty"`
	Payload RawMessage `cbor:"p,omitempty"`
	Code    string     `cbor:"c,omitempty"`
	Error   string     `cbor:"e,omitempty"`
}

// hello is the first frame a client sends.
type hello struct {
	Token    string `cbor:"token"`
	Instance string `cbor:"instance"`
}

// welcome is the server's answer to a valid hello.
type welcome struct {
	Instance string `cbor:"instance"`
}

// Request is an inbound event, query or action as seen by a handler.
type Request struct {
	Kind    Kind
	Name    string
	Key     string
	Payload RawMessage
}

// Decode unmarshals the payload into v and validates it when v has a
// Validate method.
func (r *Request) Decode(v any) error {
	if len(r.Payload) > 0 {
		if err := unmarshal(r.Payload, v); err != nil {
			return &ValidationError{Message: "decode " + r.Name + ": " + err.Error()}
		}
	}
	if val, ok := v.(validator); ok {
		return val.Validate()
	}
	return nil
}
