package ws

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/client.schema.json
var clientSchemaJSON []byte

const clientSchemaURL = "https://proctord.dev/schema/client-message.json"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ws: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Audio buffers dominate binary traffic.
		MaxArrayElements: 1 << 16,
	}.DecMode()
	if err != nil {
		panic("ws: CBOR decoder initialization failed: " + err.Error())
	}
}

// compileSchema compiles the embedded client message schema.
func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(clientSchemaURL, bytes.NewReader(clientSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(clientSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// decoder turns inbound frames into client messages.
type decoder struct {
	schema *jsonschema.Schema
}

func newDecoder() (*decoder, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	return &decoder{schema: schema}, nil
}

// decodeText validates a JSON frame against the schema and decodes it.
func (d *decoder) decodeText(data []byte) (ClientMessage, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return ClientMessage{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := d.schema.Validate(raw); err != nil {
		return ClientMessage{}, fmt.Errorf("schema: %w", err)
	}

	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode: %w", err)
	}
	return msg, msg.check()
}

// decodeBinary decodes a CBOR frame.
func (d *decoder) decodeBinary(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := decMode.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("invalid CBOR: %w", err)
	}
	return msg, msg.check()
}

// encode renders an outbound message in the connection's encoding.
func encode(enc Encoding, v any) ([]byte, error) {
	if enc == EncodingCBOR {
		return encMode.Marshal(v)
	}
	return json.Marshal(v)
}
