package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ConditionCompiler checks provider conditions at load time.
type ConditionCompiler interface {
	Compile(ctx context.Context, condition string) error
}

// Loader parses catalog files.
type Loader struct {
	cue        *cue.Context
	schema     cue.Value
	validator  *validator.Validate
	conditions ConditionCompiler
}

type sourcedDocument struct {
	Document
	file string
}

// NewLoader creates a loader. conditions may be nil, in which case provider
// conditions are not checked until they are evaluated.
func NewLoader(conditions ConditionCompiler) (*Loader, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(catalogSchema, cue.Filename("catalog_schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile catalog schema: %w", err)
	}

	return &Loader{
		cue:        ctx,
		schema:     schema.LookupPath(cue.ParsePath("#Catalog")),
		validator:  validator.New(),
		conditions: conditions,
	}, nil
}

// Load reads a catalog file or directory.
func (l *Loader) Load(ctx context.Context, path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat catalog %s: %w", path, err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = catalogFiles(path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no catalog files found in %s", path)
		}
	}

	var (
		docs []sourcedDocument
		errs []ValidationError
	)
	for _, file := range files {
		doc, fileErrs := l.loadFile(file)
		if len(fileErrs) > 0 {
			errs = append(errs, fileErrs...)
			continue
		}
		docs = append(docs, sourcedDocument{Document: *doc, file: file})
	}
	if len(errs) > 0 {
		return nil, &LoadError{Errors: errs}
	}

	c, err := build(docs, l.validator)
	if err != nil {
		return nil, err
	}

	if l.conditions != nil {
		for _, p := range c.Providers {
			if err := l.conditions.Compile(ctx, p.Condition); err != nil {
				errs = append(errs, ValidationError{Path: "providers." + p.ID + ".condition", Message: err.Error()})
			}
		}
		if len(errs) > 0 {
			return nil, &LoadError{Errors: errs}
		}
	}

	return c, nil
}

// Parse decodes catalog content. format is "yaml" or "cue".
func (l *Loader) Parse(content []byte, format, filename string) (*Document, []ValidationError) {
	switch format {
	case "yaml":
		return parseYAML(content, filename)
	case "cue":
		return l.parseCUE(content, filename)
	default:
		return nil, []ValidationError{{File: filename, Message: fmt.Sprintf("unsupported catalog format %q", format)}}
	}
}

func (l *Loader) loadFile(path string) (*Document, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, []ValidationError{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}
	format, ok := formatOf(path)
	if !ok {
		return nil, []ValidationError{{File: path, Message: "unsupported file extension"}}
	}
	return l.Parse(content, format, path)
}

func parseYAML(content []byte, filename string) (*Document, []ValidationError) {
	var doc Document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, []ValidationError{{File: filename, Message: fmt.Sprintf("failed to parse YAML: %v", err)}}
	}
	return &doc, nil
}

func (l *Loader) parseCUE(content []byte, filename string) (*Document, []ValidationError) {
	val := l.cue.CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var doc Document
	if err := unified.Decode(&doc); err != nil {
		return nil, []ValidationError{{File: filename, Message: fmt.Sprintf("failed to decode catalog: %v", err)}}
	}
	return &doc, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Message: cueerrors.Details(e, nil)}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	return out
}

func formatOf(path string) (string, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml", true
	case ".cue":
		return "cue", true
	}
	return "", false
}

// catalogFiles lists the catalog files directly inside dir in name order.
func catalogFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := formatOf(entry.Name()); ok {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
