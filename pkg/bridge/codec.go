package bridge

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Frames are a plain CBOR sequence: one Envelope per data item. CBOR
// items are self-delimiting, so no extra length prefix is needed.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bridge: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Payloads decoded into any must come out as map[string]any,
		// not map[interface{}]interface{}.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("bridge: CBOR decoder initialization failed: " + err.Error())
	}
}

// RawMessage is an encoded payload whose decoding is deferred until the
// handler knows the concrete message type.
type RawMessage = cbor.RawMessage

func marshal(v any) (RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(RawMessage); ok {
		return raw, nil
	}
	return encMode.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func newEncoder(w io.Writer) *cbor.Encoder { return encMode.NewEncoder(w) }

func newDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }
