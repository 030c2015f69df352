package synckit

import (
	"context"
	"errors"
	"fmt"

	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
)

// Resolver decides a whole conflict. Preprocess and Postprocess let custom
// resolvers adjust the input or output without rewriting the core logic;
// BaseResolver provides identity implementations.
type Resolver interface {
	Name() string
	Priority() int
	CanResolve(c *types.Conflict) bool
	Confidence(c *types.Conflict) float64
	Preprocess(c *types.Conflict) *types.Conflict
	ResolveConflict(ctx context.Context, c *types.Conflict) (*types.Resolution, error)
	Postprocess(r *types.Resolution) *types.Resolution
}

// BaseResolver supplies defaults for everything except ResolveConflict.
// Embed it in custom resolvers.
type BaseResolver struct {
	ResolverName     string
	ResolverPriority int
}

func (b BaseResolver) Name() string                                      { return b.ResolverName }
func (b BaseResolver) Priority() int                                     { return b.ResolverPriority }
func (b BaseResolver) CanResolve(*types.Conflict) bool                   { return true }
func (b BaseResolver) Confidence(*types.Conflict) float64                { return types.DefaultManualThreshold }
func (b BaseResolver) Preprocess(c *types.Conflict) *types.Conflict      { return c }
func (b BaseResolver) Postprocess(r *types.Resolution) *types.Resolution { return r }

// ResolveFunc is the signature of a function-backed resolver.
type ResolveFunc func(ctx context.Context, c *types.Conflict) (*types.Resolution, error)

// FuncResolver adapts a function to the Resolver interface.
type FuncResolver struct {
	BaseResolver
	fn ResolveFunc
}

// NewFuncResolver creates a resolver backed by fn.
func NewFuncResolver(name string, priority int, fn ResolveFunc) *FuncResolver {
	return &FuncResolver{BaseResolver: BaseResolver{ResolverName: name, ResolverPriority: priority}, fn: fn}
}

func (f *FuncResolver) ResolveConflict(ctx context.Context, c *types.Conflict) (*types.Resolution, error) {
	if f.fn == nil {
		return nil, errors.New("func resolver has no function")
	}
	return f.fn(ctx, c)
}

// Rule binds a matcher Spec to a Resolver.
type Rule struct {
	Name     string
	Matcher  Spec
	Resolver Resolver
}

// Hooks provides optional callbacks around rule based resolution.
// All hooks are optional; nil functions are safe no-ops.
type Hooks struct {
	OnRuleMatched func(c *types.Conflict, rule Rule)
	OnResolved    func(c *types.Conflict, r *types.Resolution)
	OnFallback    func(c *types.Conflict)
	OnError       func(c *types.Conflict, err error)
}

// RuleValidator can reject a rule set at construction time.
type RuleValidator interface {
	Validate(rules []Rule, fallback Resolver) error
}

type ruleOptions struct {
	name      string
	priority  int
	rules     []Rule
	fallback  Resolver
	hooks     Hooks
	validator RuleValidator
}

// RuleOption implements the functional options pattern for RuleResolver.
type RuleOption interface{ apply(*ruleOptions) }

type ruleOptionFn func(*ruleOptions)

func (f ruleOptionFn) apply(o *ruleOptions) { f(o) }

// WithRuleName names the resolver. The default is "rules".
func WithRuleName(name string) RuleOption {
	return ruleOptionFn(func(o *ruleOptions) { o.name = name })
}

// WithRulePriority sets the registry priority.
func WithRulePriority(p int) RuleOption {
	return ruleOptionFn(func(o *ruleOptions) { o.priority = p })
}

// WithFallback sets the resolver used when no rule matches.
func WithFallback(r Resolver) RuleOption {
	return ruleOptionFn(func(o *ruleOptions) { o.fallback = r })
}

// WithRule appends a rule. Rules are evaluated in insertion order.
func WithRule(name string, matcher Spec, resolver Resolver) RuleOption {
	return ruleOptionFn(func(o *ruleOptions) {
		o.rules = append(o.rules, Rule{Name: name, Matcher: matcher, Resolver: resolver})
	})
}

// WithTagRule is a convenience helper for matching on a conflict tag.
func WithTagRule(name, tag string, resolver Resolver) RuleOption {
	return WithRule(name, HasTag(tag), resolver)
}

// WithHooks sets optional observability hooks.
func WithHooks(h Hooks) RuleOption {
	return ruleOptionFn(func(o *ruleOptions) { o.hooks = h })
}

// WithRuleValidator sets a construction time validator.
func WithRuleValidator(v RuleValidator) RuleOption {
	return ruleOptionFn(func(o *ruleOptions) { o.validator = v })
}

// RuleResolver dispatches conflicts to resolvers through an ordered rule set
// with first-match-wins semantics, falling back when nothing matches.
type RuleResolver struct {
	name     string
	priority int
	rules    []Rule
	fallback Resolver
	hooks    Hooks
}

var _ Resolver = (*RuleResolver)(nil)

// NewRuleResolver constructs a RuleResolver.
// At least one rule or a fallback is required, and no rule may have a nil
// matcher or resolver.
func NewRuleResolver(opts ...RuleOption) (*RuleResolver, error) {
	cfg := &ruleOptions{name: "rules"}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	if len(cfg.rules) == 0 && cfg.fallback == nil {
		return nil, errors.New("rule resolver requires at least one rule or a non-nil fallback")
	}
	for i, r := range cfg.rules {
		if r.Matcher == nil {
			return nil, fmt.Errorf("rule has nil matcher at index %d", i)
		}
		if r.Resolver == nil {
			return nil, fmt.Errorf("rule has nil resolver at index %d", i)
		}
	}
	if cfg.validator != nil {
		if err := cfg.validator.Validate(cfg.rules, cfg.fallback); err != nil {
			return nil, err
		}
	}
	return &RuleResolver{
		name:     cfg.name,
		priority: cfg.priority,
		rules:    cfg.rules,
		fallback: cfg.fallback,
		hooks:    cfg.hooks,
	}, nil
}

func (r *RuleResolver) Name() string  { return r.name }
func (r *RuleResolver) Priority() int { return r.priority }

// Rules returns a copy of the rule list.
func (r *RuleResolver) Rules() []Rule { return append([]Rule(nil), r.rules...) }

// CanResolve is true when a rule matches or a fallback exists.
func (r *RuleResolver) CanResolve(c *types.Conflict) bool {
	return r.fallback != nil || r.match(c) != nil
}

// Confidence reports the confidence of the resolver that would be used.
func (r *RuleResolver) Confidence(c *types.Conflict) float64 {
	if rule := r.match(c); rule != nil {
		return rule.Resolver.Confidence(c)
	}
	if r.fallback != nil {
		return r.fallback.Confidence(c)
	}
	return 0
}

func (r *RuleResolver) Preprocess(c *types.Conflict) *types.Conflict        { return c }
func (r *RuleResolver) Postprocess(res *types.Resolution) *types.Resolution { return res }

// ResolveConflict uses the first matching rule, else the fallback.
func (r *RuleResolver) ResolveConflict(ctx context.Context, c *types.Conflict) (*types.Resolution, error) {
	target := r.fallback
	if rule := r.match(c); rule != nil {
		if r.hooks.OnRuleMatched != nil {
			r.hooks.OnRuleMatched(c, *rule)
		}
		target = rule.Resolver
	} else if target != nil && r.hooks.OnFallback != nil {
		r.hooks.OnFallback(c)
	}
	if target == nil {
		err := errors.New("no rule matched and no fallback configured")
		if r.hooks.OnError != nil {
			r.hooks.OnError(c, err)
		}
		return nil, err
	}

	res, err := runResolver(ctx, target, c)
	if err != nil {
		if r.hooks.OnError != nil {
			r.hooks.OnError(c, err)
		}
		return nil, err
	}
	if r.hooks.OnResolved != nil {
		r.hooks.OnResolved(c, res)
	}
	return res, nil
}

func (r *RuleResolver) match(c *types.Conflict) *Rule {
	for i := range r.rules {
		if r.rules[i].Matcher(c) {
			return &r.rules[i]
		}
	}
	return nil
}

// runResolver applies the full resolver pipeline to c.
func runResolver(ctx context.Context, r Resolver, c *types.Conflict) (*types.Resolution, error) {
	in := r.Preprocess(c)
	if in == nil {
		in = c
	}
	res, err := r.ResolveConflict(ctx, in)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("resolver %q returned no resolution", r.Name())
	}
	if out := r.Postprocess(res); out != nil {
		res = out
	}
	return res, nil
}
