package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// ReadPolicies reads library modules from files and directory trees.
// Directories contribute every .rego and .json file below them; a file in a
// directory that cannot be parsed is logged and skipped, while a path given
// explicitly must parse.
func ReadPolicies(ctx context.Context, paths []string, logger zerolog.Logger) ([]Policy, error) {
	var policies []Policy
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to read policies from %s: %w", root, err)
		}

		if !info.IsDir() {
			p, err := readPolicyFile(root)
			if err != nil {
				return nil, err
			}
			policies = append(policies, p)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || !isPolicyFile(path) {
				return nil
			}

			p, err := readPolicyFile(path)
			if err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
				return nil
			}
			policies = append(policies, p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read policies from %s: %w", root, err)
		}
	}
	return policies, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

// readPolicyFile parses a .rego module or a .json document of the form
// {"name": ..., "description": ..., "rego": ...}. Names default to the file
// name without extension.
func readPolicyFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}

	ext := filepath.Ext(path)
	p := Policy{Name: strings.TrimSuffix(filepath.Base(path), ext), Source: path}

	switch ext {
	case ".rego":
		p.Rego = string(data)
		p.Description = leadingComment(p.Rego)
	case ".json":
		var doc Policy
		if err := json.Unmarshal(data, &doc); err != nil {
			return Policy{}, fmt.Errorf("invalid policy document %s: %w", path, err)
		}
		if doc.Rego == "" {
			return Policy{}, fmt.Errorf("policy document %s has no rego source", path)
		}
		if doc.Name != "" {
			p.Name = doc.Name
		}
		p.Description = doc.Description
		p.Rego = doc.Rego
	default:
		return Policy{}, fmt.Errorf("unsupported policy file %s", path)
	}
	return p, nil
}

// leadingComment joins the '#' comment lines that open a module.
func leadingComment(module string) string {
	var words []string
	for _, line := range strings.Split(module, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		text, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		if text = strings.TrimSpace(text); text != "" {
			words = append(words, text)
		}
	}
	return strings.Join(words, " ")
}
