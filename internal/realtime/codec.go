// Package realtime runs the duplex event channel of one client: frame
// codecs, the per-connection session and the dispatcher that routes
// decoded intents to the core.
package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"nhooyr.io/websocket"

	"github.com/capitalize-ai/messaging-core/internal/model"
)

// Subprotocol names offered during the WebSocket handshake.
const (
	SubprotocolJSON = "messaging.v1.json"
	SubprotocolCBOR = "messaging.v1.cbor"
)

// Frame is a decoded inbound frame. Decode unmarshals the payload into
// its argument; an absent payload leaves the argument untouched.
type Frame struct {
	Event  model.EventName
	Ref    string
	Decode func(v any) error
}

// Codec turns events into frames and back.
type Codec interface {
	Subprotocol() string
	MessageType() websocket.MessageType
	Encode(ev model.Event) ([]byte, error)
	Decode(data []byte) (Frame, error)
}

// Subprotocols lists the supported subprotocols in preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolCBOR}
}

// CodecFor returns the codec for a negotiated subprotocol. Clients that
// negotiate nothing get JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolCBOR {
		return CBOR{}
	}
	return JSON{}
}

type jsonEnvelope struct {
	Event model.EventName `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outEnvelope struct {
	Event model.EventName `json:"event" cbor:"event"`
	Ref   string          `json:"ref,omitempty" cbor:"ref,omitempty"`
	Data  any             `json:"data,omitempty" cbor:"data,omitempty"`
}

// JSON frames events as text messages.
type JSON struct{}

// Subprotocol implements Codec.
func (JSON) Subprotocol() string { return SubprotocolJSON }

// MessageType implements Codec.
func (JSON) MessageType() websocket.MessageType { return websocket.MessageText }

// Encode implements Codec.
func (JSON) Encode(ev model.Event) ([]byte, error) {
	return json.Marshal(outEnvelope{Event: ev.Name, Ref: ev.Ref, Data: ev.Data})
}

// Decode implements Codec.
func (JSON) Decode(data []byte) (Frame, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return Frame{}, fmt.Errorf("decode frame: missing event name")
	}
	raw := bytes.TrimSpace(env.Data)
	return Frame{
		Event: env.Event,
		Ref:   env.Ref,
		Decode: func(v any) error {
			if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
				return nil
			}
			return json.Unmarshal(raw, v)
		},
	}, nil
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	cborEnc, err = opts.EncMode()
	if err != nil {
		panic("realtime: CBOR encoder initialization failed: " + err.Error())
	}

	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("realtime: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborEnvelope struct {
	Event model.EventName `cbor:"event"`
	Ref   string          `cbor:"ref,omitempty"`
	Data  cbor.RawMessage `cbor:"data,omitempty"`
}

// CBOR frames events as binary messages. Field names follow the JSON
// tags of the payload types.
type CBOR struct{}

// Subprotocol implements Codec.
func (CBOR) Subprotocol() string { return SubprotocolCBOR }

// MessageType implements Codec.
func (CBOR) MessageType() websocket.MessageType { return websocket.MessageBinary }

// Encode implements Codec.
func (CBOR) Encode(ev model.Event) ([]byte, error) {
	return cborEnc.Marshal(outEnvelope{Event: ev.Name, Ref: ev.Ref, Data: ev.Data})
}

// Decode implements Codec.
func (CBOR) Decode(data []byte) (Frame, error) {
	var env cborEnvelope
	if err := cborDec.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return Frame{}, fmt.Errorf("decode frame: missing event name")
	}
	raw := env.Data
	return Frame{
		Event: env.Event,
		Ref:   env.Ref,
		Decode: func(v any) error {
			// 0xf6 is CBOR null.
			if len(raw) == 0 || (len(raw) == 1 && raw[0] == 0xf6) {
				return nil
			}
			return cborDec.Unmarshal(raw, v)
		},
	}, nil
}
