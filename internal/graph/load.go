// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package graph

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// document is the YAML/JSON file shape. Nodes are a list so declaration
// order survives decoding.
type document struct {
	ID          string  `yaml:"id"`
	Description string  `yaml:"description,omitempty"`
	Entry       string  `yaml:"entry"`
	Nodes       []*Node `yaml:"nodes"`
}

// Load reads and validates a graph file. The format follows the extension:
// .hcl for HCL, anything else is parsed as YAML (which covers JSON). vars
// are exposed to HCL files as var.<name>.
func Load(path string, vars map[string]string) (*Graph, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	var g *Graph
	if strings.EqualFold(filepath.Ext(path), ".hcl") {
		g, err = ParseHCL(filepath.Base(path), src, vars)
	} else {
		g, err = ParseYAML(src)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// ParseYAML decodes a YAML or JSON graph without validating it. Unknown
// fields are rejected.
func ParseYAML(src []byte) (*Graph, error) {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty graph document")
		}
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	for i, n := range doc.Nodes {
		if n == nil {
			return nil, fmt.Errorf("decode graph: node %d is empty", i)
		}
	}

	g := New(doc.ID, doc.Entry, doc.Nodes...)
	g.Description = doc.Description
	return g, nil
}

// MarshalYAML renders g in the YAML document shape.
func (g *Graph) MarshalYAML() (any, error) {
	return document{
		ID:          g.ID,
		Description: g.Description,
		Entry:       g.Entry,
		Nodes:       g.NodeList(),
	}, nil
}
