package spec

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// StageConfig is the flattened configuration handed to one stage script.
// Keys whose value was the empty string are never present.
type StageConfig struct {
	entries []Entry
}

// Translate drops empty-string values from doc. Values are not coerced.
func Translate(doc *Document) StageConfig {
	var cfg StageConfig
	if doc == nil {
		return cfg
	}
	for _, e := range doc.entries {
		if s, ok := e.Value.(string); ok && s == "" {
			continue
		}
		cfg.entries = append(cfg.entries, e)
	}
	return cfg
}

// LoadStageConfig parses the document at path and translates it
func LoadStageConfig(path string) (StageConfig, error) {
	doc, err := ParseDocument(path)
	if err != nil {
		return StageConfig{}, err
	}
	return Translate(doc), nil
}

// Keys returns the retained keys in document order
func (c StageConfig) Keys() []string {
	keys := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		keys = append(keys, e.Key)
	}
	return keys
}

// Get returns the value retained under key
func (c StageConfig) Get(key string) (interface{}, bool) {
	for _, e := range c.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Args renders the config as command-line flags, skipping keys in exclude.
//
// true becomes a bare --key; false, null and empty lists are omitted;
// lists expand to --key v1 v2; everything else becomes --key value.
func (c StageConfig) Args(exclude ...string) []string {
	skip := make(map[string]struct{}, len(exclude))
	for _, k := range exclude {
		skip[k] = struct{}{}
	}

	var args []string
	for _, e := range c.entries {
		if _, ok := skip[e.Key]; ok {
			continue
		}
		flag := "--" + e.Key
		switch v := e.Value.(type) {
		case nil:
		case bool:
			if v {
				args = append(args, flag)
			}
		case string:
			if v != "" {
				args = append(args, flag, v)
			}
		case []interface{}:
			if len(v) == 0 {
				continue
			}
			args = append(args, flag)
			for _, item := range v {
				args = append(args, FormatValue(item))
			}
		default:
			args = append(args, flag, FormatValue(v))
		}
	}
	return args
}

// FormatValue stringifies a document value the way scripts expect to read it
func FormatValue(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "True"
		}
		return "False"
	case json.Number:
		return v.String()
	case Number:
		return v.Literal
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case map[string]interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}

// TOMLValues converts the config into plain Go values suitable for TOML encoding.
// Null values are dropped since TOML has no null.
func (c StageConfig) TOMLValues() map[string]interface{} {
	out := make(map[string]interface{}, len(c.entries))
	for _, e := range c.entries {
		if v, ok := tomlValue(e.Value); ok {
			out[e.Key] = v
		}
	}
	return out
}

func tomlValue(v interface{}) (interface{}, bool) {
	switch v := v.(type) {
	case nil:
		return nil, false
	case string:
		return v, v != ""
	case Number:
		return v.Value, true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		if f, err := v.Float64(); err == nil {
			return f, true
		}
		return v.String(), true
	case []interface{}:
		items := make([]interface{}, 0, len(v))
		for _, item := range v {
			if tv, ok := tomlValue(item); ok {
				items = append(items, tv)
			}
		}
		return items, true
	case map[string]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, item := range v {
			if tv, ok := tomlValue(item); ok {
				m[k] = tv
			}
		}
		return m, true
	default:
		return v, true
	}
}

// WriteTOML writes the config in the training script's native TOML format
func (c StageConfig) WriteTOML(path string) error {
	data, err := toml.Marshal(c.TOMLValues())
	if err != nil {
		return fmt.Errorf("failed to encode TOML: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write TOML config %s: %w", path, err)
	}
	return nil
}
