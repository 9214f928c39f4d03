package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
	jsv "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const schemaID = "https://github.com/ggoodman/mcp-streaming-http-go/config.schema.json"

var durationType = reflect.TypeOf(time.Duration(0))

// Schema returns the JSON Schema describing a configuration file.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == durationType {
				return &jsonschema.Schema{
					Type:        "string",
					Pattern:     `^-?(0|([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+)$`,
					Description: "Go duration, e.g. 30s or 1h30m",
				}
			}
			return nil
		},
	}
	s := r.Reflect(&Config{})
	s.ID = schemaID
	s.Title = "streamable server configuration"
	return json.MarshalIndent(s, "", "  ")
}

// CheckFile validates a YAML configuration file against Schema and then
// against the struct validation rules. Keys absent from the file take their
// defaults before the second step.
func CheckFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := checkSchema(raw); err != nil {
		return err
	}
	_, err = Load(NewViper(path))
	return err
}

func checkSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("invalid yaml: %w", err)
	}
	if doc == nil {
		return nil
	}
	// Round trip through JSON so the validator sees JSON types only.
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	var jdoc any
	if err := json.Unmarshal(b, &jdoc); err != nil {
		return err
	}

	schemaJSON, err := Schema()
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	c := jsv.NewCompiler()
	if err := c.AddResource(schemaID, bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("schema resource: %w", err)
	}
	compiled, err := c.Compile(schemaID)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := compiled.Validate(jdoc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
