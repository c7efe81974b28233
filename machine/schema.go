package machine

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

var requestTypes = []RequestType{
	RequestKeysUpload,
	RequestKeysQuery,
	RequestKeysClaim,
	RequestToDevice,
	RequestRoomMessage,
	RequestSignatureUpload,
	RequestKeysBackup,
}

// responseSchemas holds one compiled schema per request type. Bodies are validated before any of
// their content is applied.
type responseSchemas struct {
	schemas map[RequestType]*jsonschema.Schema
}

func newResponseSchemas() (*responseSchemas, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	rs := &responseSchemas{schemas: make(map[RequestType]*jsonschema.Schema)}
	for _, t := range requestTypes {
		name := fmt.Sprintf("schemas/%s.json", t)
		data, err := schemaFiles.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("machine: missing response schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("machine: error adding response schema %s: %w", name, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("machine: error compiling response schema %s: %w", name, err)
		}
		rs.schemas[t] = schema
	}
	return rs, nil
}

func (rs *responseSchemas) validate(t RequestType, body []byte) error {
	schema, ok := rs.schemas[t]
	if !ok {
		return &ResponseError{Type: t, Err: fmt.Errorf("unknown request type %q", t)}
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return &ResponseError{Type: t, Err: err}
	}
	if err := schema.Validate(instance); err != nil {
		return &ResponseError{Type: t, Err: err}
	}
	return nil
}
