package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/hanpama/projector/internal/language"
	"github.com/hanpama/projector/internal/schema"
)

func loadSchema(files []string) (*schema.Schema, error) {
	sources := make(map[string]string, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		sources[filepath.Base(f)] = string(b)
	}
	s, err := schema.BuildFromSources(sources)
	if err != nil {
		return nil, fmt.Errorf("build schema: %w", err)
	}
	return s, nil
}

// loadDataFile reads a YAML or JSON document. JSON is accepted as YAML.
func loadDataFile(filename string) (any, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	var v any
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode dataset %s: %w", filename, err)
	}
	return normalize(v), nil
}

func loadVariables(filename string) (map[string]any, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read variables: %w", err)
	}
	var v map[string]any
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode variables %s: %w", filename, err)
	}
	for k, x := range v {
		v[k] = normalize(x)
	}
	return v, nil
}

// normalize rewrites YAML mappings with non-string keys into
// map[string]any so that members resolve by name.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = normalize(e)
		}
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		for i, e := range x {
			x[i] = normalize(e)
		}
		return x
	}
	return v
}

func readSource(filename string, stdin io.Reader) (string, error) {
	var b []byte
	var err error
	if filename == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(filename)
	}
	if err != nil {
		return "", fmt.Errorf("read query: %w", err)
	}
	return string(b), nil
}

func loadQuery(filename string, stdin io.Reader) (*language.QueryDocument, error) {
	src, err := readSource(filename, stdin)
	if err != nil {
		return nil, err
	}
	doc, err := language.ParseQuery(src)
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	return doc, nil
}
