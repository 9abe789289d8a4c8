package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/openfroyo/clusterforge/pkg/models"
	"github.com/rs/zerolog"
)

// Engine evaluates authorization rules.
type Engine struct {
	mu       sync.RWMutex
	query    rego.PreparedEvalQuery
	modules  map[string]string
	defaults map[string]Rule
	logger   zerolog.Logger
}

// NewEngine compiles the built-in rules. A nil defaults uses DefaultPolicies.
func NewEngine(ctx context.Context, logger zerolog.Logger, defaults map[string]Rule) (*Engine, error) {
	if defaults == nil {
		defaults = DefaultPolicies()
	}

	query, err := compile(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to compile built-in rules: %w", err)
	}

	return &Engine{
		query:    query,
		modules:  map[string]string{},
		defaults: defaults,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}, nil
}

// SetModules replaces the additional rule modules, keyed by file name. On
// a compile error the previous rules stay active.
func (e *Engine) SetModules(ctx context.Context, modules map[string]string) error {
	query, err := compile(ctx, modules)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.query = query
	e.modules = modules
	e.mu.Unlock()

	e.logger.Info().Int("modules", len(modules)).Msg("Policy rules compiled")
	return nil
}

// Modules returns the names of the additional modules in use.
func (e *Engine) Modules() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.modules))
	for name := range e.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate reports whether in satisfies in.Rule.
func (e *Engine) Evaluate(ctx context.Context, in Input) (bool, error) {
	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	rs, err := query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, fmt.Errorf("policy evaluation error: %w", err)
	}
	return rs.Allowed(), nil
}

// RuleFor resolves the rule guarding action for members of org. The
// organization's overrides win over the defaults. The second result is
// false when no rule applies.
func (e *Engine) RuleFor(org *models.Organization, action string) (Rule, bool) {
	if org != nil {
		if r, ok := org.Policy()[action]; ok && r != "" {
			return Rule(r), true
		}
	}
	r, ok := e.defaults[action]
	return r, ok
}

// Authorize decides whether user may perform action on resource.
func (e *Engine) Authorize(ctx context.Context, user *models.User, action string, resource models.Record) (Decision, error) {
	d := Decision{Action: action}

	rule, ok := e.RuleFor(user.Organization(), action)
	if !ok {
		d.Allowed = true
		return d, nil
	}
	d.Rule = rule

	in := InputFor(user, resource)
	in.Rule = string(rule)

	allowed, err := e.Evaluate(ctx, in)
	if err != nil {
		e.logger.Error().Err(err).Str("action", action).Str("rule", string(rule)).Msg("Policy evaluation failed")
		return d, err
	}
	d.Allowed = allowed

	e.logger.Debug().
		Str("user", user.Username()).
		Str("role", in.Role).
		Str("action", action).
		Str("rule", string(rule)).
		Bool("allowed", allowed).
		Msg("Authorization evaluated")

	return d, nil
}

func compile(ctx context.Context, modules map[string]string) (rego.PreparedEvalQuery, error) {
	opts := []func(*rego.Rego){
		rego.Query(allowQuery),
		rego.Module("builtin.rego", builtinModule),
	}

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		src := modules[name]
		module, err := ast.ParseModule(name, src)
		if err != nil {
			return rego.PreparedEvalQuery{}, fmt.Errorf("failed to parse policy %s: %w", name, err)
		}
		if pkg := module.Package.Path.String(); pkg != "data."+regoPackage {
			return rego.PreparedEvalQuery{}, fmt.Errorf("policy %s declares package %s, want %s", name, pkg, regoPackage)
		}
		opts = append(opts, rego.Module(name, src))
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare query: %w", err)
	}
	return query, nil
}
