package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"
)

// runtimeFile is the flattened config/config-<CONFIG_PHASE>.yaml (or
// CONFIG_FILE). Environment variables always win over its values.
type runtimeFile struct {
	phase  string
	path   string
	loaded bool
	values map[string]string
}

var (
	runtimeOnce sync.Once
	loadedFile  runtimeFile
	runtimeErr  error
)

func ensureRuntimeConfigLoaded() error {
	runtimeOnce.Do(func() {
		loadedFile, runtimeErr = openRuntimeFile()
	})
	return runtimeErr
}

func openRuntimeFile() (runtimeFile, error) {
	file := runtimeFile{phase: "local"}
	if phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE")); phase != "" {
		file.phase = phase
	}

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	explicit := path != ""
	if !explicit {
		path = filepath.Join("config", "config-"+file.phase+".yaml")
	}

	values, err := loadConfigFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
		return file, nil
	case err != nil:
		return file, err
	}

	file.values = values
	file.loaded = true
	file.path = path
	if abs, err := filepath.Abs(path); err == nil {
		file.path = abs
	}
	return file, nil
}

// lookup returns the trimmed value for key and whether it is set to anything
// non-blank, in the environment first and then in the runtime file.
func lookup(key string) (string, bool) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value, true
	}
	if ensureRuntimeConfigLoaded() != nil {
		return "", false
	}
	value := loadedFile.values[key]
	return value, value != ""
}

func loadConfigFile(path string) (map[string]string, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}

	values := make(map[string]string)
	if len(doc.Content) == 0 {
		return values, nil
	}
	if err := flattenNode("", doc.Content[0], values); err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	return values, nil
}

// flattenNode turns nested YAML into UPPER_SNAKE keys: crank.betting-window
// becomes CRANK_BETTING_WINDOW. Scalar lists become comma separated values
// and nulls are dropped.
func flattenNode(prefix string, node *yaml.Node, out map[string]string) error {
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			segment := normalizeKeySegment(node.Content[i].Value)
			if segment == "" {
				continue
			}
			key := segment
			if prefix != "" {
				key = prefix + "_" + segment
			}
			if err := flattenNode(key, node.Content[i+1], out); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		items := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("%s: list items must be scalars", prefix)
			}
			if value := strings.TrimSpace(item.Value); value != "" {
				items = append(items, value)
			}
		}
		out[prefix] = strings.Join(items, ",")
	case yaml.ScalarNode:
		if prefix != "" && node.ShortTag() != "!!null" {
			out[prefix] = strings.TrimSpace(node.Value)
		}
	case yaml.AliasNode:
		return flattenNode(prefix, node.Alias, out)
	}
	return nil
}

func normalizeKeySegment(raw string) string {
	words := strings.FieldsFunc(raw, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.ToUpper(strings.Join(words, "_"))
}
