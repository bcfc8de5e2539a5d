package clocksync

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://hillplain.local/clocksync/schemas/"

// PayloadValidator checks webhook bodies against the embedded per-route
// schemas before they reach the mapper.
type PayloadValidator struct {
	schemas map[string]*jsonschema.Schema
}

func NewPayloadValidator() (*PayloadValidator, error) {
	compiler := jsonschema.NewCompiler()
	for _, route := range WebhookRoutes() {
		data, err := schemaFS.ReadFile("schemas/" + route + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", route, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode schema %s: %w", route, err)
		}
		if err := compiler.AddResource(schemaBaseURL+route+".json", doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", route, err)
		}
	}
	v := &PayloadValidator{schemas: map[string]*jsonschema.Schema{}}
	for _, route := range WebhookRoutes() {
		schema, err := compiler.Compile(schemaBaseURL + route + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", route, err)
		}
		v.schemas[route] = schema
	}
	return v, nil
}

func (v *PayloadValidator) Validate(route string, payload map[string]any) error {
	schema, ok := v.schemas[route]
	if !ok {
		return fmt.Errorf("%w: no schema for route %q", ErrInvalidInput, route)
	}
	if payload == nil {
		return invalidField("payload", "expected a JSON object")
	}
	err := schema.Validate(payload)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		field := "payload"
		if len(verr.InstanceLocation) > 0 {
			field = strings.Join(verr.InstanceLocation, ".")
		}
		return invalidField(field, firstLine(verr.Error()))
	}
	return invalidField("payload", err.Error())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
