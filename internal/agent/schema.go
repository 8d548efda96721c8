// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/bonjohen/ai-swarm-sub000/internal/util"
)

// Schema is a compiled JSON Schema for model output.
type Schema struct {
	name   string
	schema *jsonschema.Schema
}

// CompileSchema compiles a JSON Schema document.
func CompileSchema(name string, doc []byte) (*Schema, error) {
	var schemaDoc any
	if err := json.Unmarshal(doc, &schemaDoc); err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{name: name, schema: sch}, nil
}

// MustCompileSchema is CompileSchema for package-level schemas.
func MustCompileSchema(name string, doc []byte) *Schema {
	s, err := CompileSchema(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the schema name.
func (s *Schema) Name() string { return s.name }

// Validate checks an already-decoded value.
func (s *Schema) Validate(v any) error {
	if err := s.schema.Validate(v); err != nil {
		return &ValidationError{Agent: s.name, Problems: []string{err.Error()}, Err: err}
	}
	return nil
}

// ValidateText extracts the first JSON object from model text, decodes it
// and validates it. Numbers decode as float64.
func (s *Schema) ValidateText(text string) (map[string]any, error) {
	obj, err := DecodeObject(text)
	if err != nil {
		return nil, &ValidationError{Agent: s.name, Problems: []string{err.Error()}, Err: err}
	}
	if err := s.Validate(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// DecodeObject extracts and decodes the first JSON object in text.
func DecodeObject(text string) (map[string]any, error) {
	raw, err := util.ExtractJSONObject(text)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return obj, nil
}
