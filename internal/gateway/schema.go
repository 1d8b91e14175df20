package gateway

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// paramSchemas maps a method to the schema its params must satisfy.
var paramSchemas = map[string]string{
	MethodApprovalsResolve: "approvals_resolve.json",
	MethodUserInputResolve: "userinput_resolve.json",
	MethodEventsReplay:     "events_replay.json",
	MethodAttachmentUpload: "attachments_upload.json",
	"thread/read":          "thread_ref.json",
	"thread/resume":        "thread_ref.json",
	"turn/start":           "thread_ref.json",
	"turn/interrupt":       "thread_ref.json",
	"thread/start":         "object.json",
	"thread/list":          "object.json",
}

type validator struct {
	schemas map[string]*jsonschema.Schema
}

func newValidator() (*validator, error) {
	c := jsonschema.NewCompiler()
	compiled := make(map[string]*jsonschema.Schema)
	byFile := make(map[string]*jsonschema.Schema)
	for method, file := range paramSchemas {
		if s, ok := byFile[file]; ok {
			compiled[method] = s
			continue
		}
		raw, err := schemaFS.ReadFile("schemas/" + file)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", file, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", file, err)
		}
		if err := c.AddResource(file, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", file, err)
		}
		s, err := c.Compile(file)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", file, err)
		}
		byFile[file] = s
		compiled[method] = s
	}
	return &validator{schemas: compiled}, nil
}

// validate checks params for method. Methods without a schema pass, and
// absent params are validated as an empty object.
func (v *validator) validate(method string, params json.RawMessage) error {
	s, ok := v.schemas[method]
	if !ok {
		return nil
	}
	if len(bytes.TrimSpace(params)) == 0 || string(bytes.TrimSpace(params)) == "null" {
		params = json.RawMessage(`{}`)
	}
	// UnmarshalJSON keeps numbers as json.Number, which the validator needs.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return fmt.Errorf("params are not valid JSON: %w", err)
	}
	return s.Validate(doc)
}
