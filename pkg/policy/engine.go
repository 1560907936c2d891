package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/ankisho/TeamCloud/pkg/engine"
)

const (
	conditionPackage = "teamcloud.condition"
	conditionQuery   = "data." + conditionPackage + ".applies"
)

// Evaluator decides whether a provider applies to a project by evaluating
// the provider's Rego condition.
type Evaluator struct {
	mu        sync.RWMutex
	libraries map[string]*Policy
	queries   map[string]*compiledCondition
	logger    zerolog.Logger
}

// compiledCondition is a condition prepared for repeated evaluation.
type compiledCondition struct {
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEvaluator creates an evaluator with the built-in library loaded.
func NewEvaluator(logger zerolog.Logger) (*Evaluator, error) {
	e := &Evaluator{
		libraries: make(map[string]*Policy),
		queries:   make(map[string]*compiledCondition),
		logger:    logger.With().Str("component", "policy-evaluator").Logger(),
	}

	for _, p := range GetBuiltinPolicies() {
		if err := e.addLibrary(p); err != nil {
			return nil, fmt.Errorf("failed to load built-in policy %s: %w", p.Name, err)
		}
	}

	return e, nil
}

// Applicable reports whether provider applies to project. A provider
// without a condition always applies. Evaluation errors are returned as
// validation errors naming the provider.
func (e *Evaluator) Applicable(ctx context.Context, provider engine.Provider, project *engine.Project) (bool, error) {
	if strings.TrimSpace(provider.Condition) == "" {
		return true, nil
	}

	cc, err := e.prepare(ctx, provider.Condition)
	if err != nil {
		return false, engine.NewValidationError(
			fmt.Sprintf("invalid condition for provider %s", provider.ID), err)
	}

	input, err := NewConditionInput(provider, project)
	if err != nil {
		return false, err
	}

	startTime := time.Now()
	results, err := cc.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, engine.NewValidationError(
			fmt.Sprintf("condition evaluation failed for provider %s", provider.ID), err)
	}

	applies := results.Allowed()
	e.logger.Debug().
		Str("provider", provider.ID).
		Bool("applies", applies).
		Dur("duration", time.Since(startTime)).
		Msg("Provider condition evaluated")

	return applies, nil
}

// Compile checks that condition compiles against the loaded libraries.
func (e *Evaluator) Compile(ctx context.Context, condition string) error {
	if strings.TrimSpace(condition) == "" {
		return nil
	}
	_, err := e.prepare(ctx, condition)
	return err
}

// LoadPolicies loads library modules from files or directories and makes
// them available to conditions. Previously compiled conditions are dropped.
func (e *Evaluator) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := ReadPolicies(ctx, paths, e.logger)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for _, p := range policies {
		if err := e.addLibrary(p); err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ListPolicies returns the loaded library modules ordered by name.
func (e *Evaluator) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.libraries))
	for _, p := range e.libraries {
		policies = append(policies, *p)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

func (e *Evaluator) addLibrary(p Policy) error {
	if _, err := ast.ParseModule(p.Name, p.Rego); err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	policy := p
	e.libraries[p.Name] = &policy
	e.queries = make(map[string]*compiledCondition)

	e.logger.Debug().
		Str("policy", p.Name).
		Msg("Policy compiled successfully")
	return nil
}

// prepare compiles condition once and caches the prepared query.
func (e *Evaluator) prepare(ctx context.Context, condition string) (*compiledCondition, error) {
	e.mu.RLock()
	cc, ok := e.queries[condition]
	e.mu.RUnlock()
	if ok {
		return cc, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if cc, ok := e.queries[condition]; ok {
		return cc, nil
	}

	opts := []func(*rego.Rego){
		rego.Query(conditionQuery),
		rego.Module("condition.rego", conditionModule(condition)),
	}
	for _, lib := range e.libraries {
		opts = append(opts, rego.Module(lib.Name+".rego", lib.Rego))
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare condition: %w", err)
	}

	cc = &compiledCondition{query: query, compiled: time.Now()}
	e.queries[condition] = cc
	return cc, nil
}

// conditionModule wraps a condition body into a module defining applies.
func conditionModule(condition string) string {
	var b strings.Builder
	b.WriteString("package " + conditionPackage + "\n\n")
	b.WriteString("import rego.v1\n")
	b.WriteString("import data." + LibraryPackage + "\n\n")
	b.WriteString("default applies := false\n\n")
	b.WriteString("applies if {\n")
	for _, line := range strings.Split(strings.TrimSpace(condition), "\n") {
		b.WriteString("\t" + strings.TrimSpace(line) + "\n")
	}
	b.WriteString("}\n")
	return b.String()
}
