package spec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"finetune-orchestrator/core/models"

	"gopkg.in/yaml.v3"
)

// Entry is one key/value pair of a configuration document
type Entry struct {
	Key   string
	Value interface{}
}

// Document is a flat configuration document with its source key order preserved.
//
// Values are string, bool, Number (YAML), json.Number (JSON), nil, []interface{}
// or map[string]interface{}. Numbers keep their literal text so that "1.0" is
// handed to scripts as "1.0".
type Document struct {
	entries []Entry
	index   map[string]int
}

// Number is a YAML number: Value is the resolved int64 or float64, Literal the source text
type Number struct {
	Literal string
	Value   interface{}
}

// NewDocument builds a document from entries. Later duplicates replace earlier values.
func NewDocument(entries ...Entry) *Document {
	d := &Document{index: map[string]int{}}
	for _, e := range entries {
		d.Set(e.Key, e.Value)
	}
	return d
}

// Set stores a value, keeping the original position of an existing key
func (d *Document) Set(key string, value interface{}) {
	if d.index == nil {
		d.index = map[string]int{}
	}
	if i, ok := d.index[key]; ok {
		d.entries[i].Value = value
		return
	}
	d.index[key] = len(d.entries)
	d.entries = append(d.entries, Entry{Key: key, Value: value})
}

// Get returns the value stored under key
func (d *Document) Get(key string) (interface{}, bool) {
	i, ok := d.index[key]
	if !ok {
		return nil, false
	}
	return d.entries[i].Value, true
}

// ParseDocument reads a JSON or YAML configuration document from path.
// Any failure is reported as *models.ConfigParseError.
func ParseDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &models.ConfigParseError{Path: path, Err: err}
	}

	var doc *Document
	if isJSON(path, data) {
		doc, err = decodeJSON(data)
	} else {
		doc, err = decodeYAML(data)
	}
	if err != nil {
		return nil, &models.ConfigParseError{Path: path, Err: err}
	}
	return doc, nil
}

// ParseDocumentBytes parses an in-memory document; format is "json" or "yaml"
func ParseDocumentBytes(data []byte, format string) (*Document, error) {
	var doc *Document
	var err error
	switch strings.ToLower(format) {
	case "json":
		doc, err = decodeJSON(data)
	case "yaml", "yml":
		doc, err = decodeYAML(data)
	default:
		err = fmt.Errorf("unsupported document format %q", format)
	}
	if err != nil {
		return nil, &models.ConfigParseError{Path: "<" + format + ">", Err: err}
	}
	return doc, nil
}

// isJSON picks the decoder from the extension, sniffing the content otherwise
func isJSON(path string, data []byte) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return true
	case ".yaml", ".yml":
		return false
	}
	return bytes.HasPrefix(bytes.TrimSpace(data), []byte("{"))
}

func decodeJSON(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read JSON: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("top-level JSON value must be an object")
	}

	doc := NewDocument()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read JSON key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected JSON token %v", tok)
		}
		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("failed to read value of %q: %w", key, err)
		}
		doc.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to read JSON: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("trailing data after JSON object")
	}
	return doc, nil
}

func decodeYAML(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("YAML document is empty")
	}
	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("top-level YAML value must be a mapping")
	}

	doc := NewDocument()
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		value, err := yamlValue(mapping.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("failed to read value of %q: %w", mapping.Content[i].Value, err)
		}
		doc.Set(mapping.Content[i].Value, value)
	}
	return doc, nil
}

func yamlValue(node *yaml.Node) (interface{}, error) {
	switch node.Kind {
	case yaml.AliasNode:
		return yamlValue(node.Alias)
	case yaml.SequenceNode:
		items := make([]interface{}, 0, len(node.Content))
		for _, c := range node.Content {
			v, err := yamlValue(c)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case yaml.MappingNode:
		m := make(map[string]interface{}, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			v, err := yamlValue(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			m[node.Content[i].Value] = v
		}
		return m, nil
	case yaml.ScalarNode:
		switch node.ShortTag() {
		case "!!null":
			return nil, nil
		case "!!bool":
			var b bool
			if err := node.Decode(&b); err != nil {
				return nil, err
			}
			return b, nil
		case "!!int":
			var i int64
			if err := node.Decode(&i); err == nil {
				return Number{Literal: node.Value, Value: i}, nil
			}
			// out of int64 range
			var f float64
			if err := node.Decode(&f); err != nil {
				return nil, err
			}
			return Number{Literal: node.Value, Value: f}, nil
		case "!!float":
			var f float64
			if err := node.Decode(&f); err != nil {
				return nil, err
			}
			return Number{Literal: node.Value, Value: f}, nil
		default:
			return node.Value, nil
		}
	}
	return nil, fmt.Errorf("unsupported YAML node kind %d", node.Kind)
}
