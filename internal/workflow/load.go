package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDefinitionFile reads a workflow definition from a YAML or JSON file,
// applies defaults and validates it. Invalid definitions return every
// violation joined into one error; nothing executes on a partial definition.
func LoadDefinitionFile(path string) (*Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def Definition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := ValidateSchema(b); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := decodeJSONStrict(b, &def); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &def); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	def.ApplyDefaults()
	if errs := def.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("%s: invalid definition: %w", path, errors.Join(errs...))
	}
	if _, err := ExecutionOrder(def.Stages); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &def, nil
}

func decodeJSONStrict(b []byte, def *Definition) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(def); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, def *Definition) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(def); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}
