package validation

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Compile parses and checks one rule definition.
func Compile(definition []byte) (*Rule, error) {
	var rule Rule
	if err := yaml.Unmarshal(definition, &rule); err != nil {
		return nil, fmt.Errorf("failed to parse YAML rule: %w", err)
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid YAML rule: %w", err)
	}
	return &rule, nil
}

// LoadDir compiles every .yaml and .yml file under dir. A missing directory
// holds no rules.
func LoadDir(dir string) ([]*Rule, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		slog.Warn("[Validation] Rules directory does not exist", "dir", dir)
		return nil, nil
	}

	var rules []*Rule
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read rule %s: %w", path, err)
		}
		rule, err := Compile(content)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		rule.Source = path
		rules = append(rules, rule)

		slog.Debug("[Validation] Loaded command rule",
			"command", rule.Command,
			"aggregate", rule.Aggregate,
			"fields", len(rule.Fields),
			"file", path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("[Validation] Loaded command rules", "dir", dir, "count", len(rules))
	return rules, nil
}
