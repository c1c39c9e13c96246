// Package router evaluates routing rules against incoming requests and
// picks a target channel and optional model override.
package router

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	routex "github.com/dctx-team/routex/internal"
)

// RuleSource lists the enabled rules, ordered by priority DESC.
type RuleSource interface {
	ListEnabledRules(ctx context.Context) ([]*routex.RoutingRule, error)
}

// Predicate is a registered custom rule function.
type Predicate func(a Analysis) bool

// Match is a successful routing decision.
type Match struct {
	Channel *routex.Channel
	Model   string // override model, empty = keep
	Rule    *routex.RoutingRule
}

// Router holds the active rule set and custom predicates. Rules reload
// explicitly on admin writes, not per request.
type Router struct {
	source RuleSource
	log    *slog.Logger

	mu         sync.RWMutex
	rules      []*routex.RoutingRule
	predicates map[string]Predicate

	// compiled regexes, keyed by pattern
	regexMu sync.Mutex
	regexes map[string]*regexp.Regexp
}

// New creates a Router and loads the initial rule set.
func New(ctx context.Context, source RuleSource, log *slog.Logger) (*Router, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		source:     source,
		log:        log,
		predicates: make(map[string]Predicate),
		regexes:    make(map[string]*regexp.Regexp),
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the active rule set from the source.
func (r *Router) Reload(ctx context.Context) error {
	rules, err := r.source.ListEnabledRules(ctx)
	if err != nil {
		return routex.Wrap(routex.KindRouting, err, "reload rules")
	}
	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()
	r.log.Debug("routing rules reloaded", "count", len(rules))
	return nil
}

// Rules returns the active rule set (highest priority first).
func (r *Router) Rules() []*routex.RoutingRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rules
}

// RegisterPredicate installs a named custom rule function.
func (r *Router) RegisterPredicate(name string, p Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[name] = p
}

// Match evaluates the active rules against the analyzed request and the
// candidate channels. Rules are ordered by priority DESC; the first rule
// whose condition holds and whose target channel is a live candidate
// wins. Returns nil when no rule matches.
func (r *Router) Match(a Analysis, candidates []*routex.Channel) *Match {
	byName := make(map[string]*routex.Channel, len(candidates))
	for _, c := range candidates {
		byName[c.Name] = c
	}

	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	for _, rule := range rules {
		if !r.Satisfies(rule.Condition, a) {
			continue
		}
		target, ok := byName[rule.TargetChannel]
		if !ok {
			r.log.Debug("rule target not in candidate set",
				"rule", rule.Name, "target", rule.TargetChannel)
			continue
		}
		return &Match{Channel: target, Model: rule.TargetModel, Rule: rule}
	}
	return nil
}

// Satisfies reports whether all set condition fields hold for the
// analysis (conjunctive).
func (r *Router) Satisfies(c routex.RuleCondition, a Analysis) bool {
	if c.TokenThreshold > 0 && a.EstimatedTokens < c.TokenThreshold {
		return false
	}
	if len(c.Keywords) > 0 && !matchKeywords(c.Keywords, a.UserText) {
		return false
	}
	if c.UserPattern != "" && !r.matchRegex(c.UserPattern, a.LastUserMessage) {
		return false
	}
	if c.ModelPattern != "" && !r.matchRegex(c.ModelPattern, a.Model) {
		return false
	}
	if c.HasTools != nil && *c.HasTools != a.HasTools {
		return false
	}
	if c.HasImages != nil && *c.HasImages != a.HasImages {
		return false
	}
	if c.ContentCategory != "" && c.ContentCategory != a.Category {
		return false
	}
	if c.ComplexityLevel != "" && c.ComplexityLevel != a.Complexity {
		return false
	}
	if c.HasCode != nil && *c.HasCode != a.HasCode {
		return false
	}
	if c.ProgrammingLanguage != "" && !strings.EqualFold(c.ProgrammingLanguage, a.Language) {
		return false
	}
	if c.Intent != "" && c.Intent != a.Intent {
		return false
	}
	if c.MinWordCount > 0 && a.WordCount < c.MinWordCount {
		return false
	}
	if c.MaxWordCount > 0 && a.WordCount > c.MaxWordCount {
		return false
	}
	if c.CustomFunction != "" {
		r.mu.RLock()
		p, ok := r.predicates[c.CustomFunction]
		r.mu.RUnlock()
		if !ok {
			r.log.Warn("unknown custom predicate", "name", c.CustomFunction)
			return false
		}
		if !p(a) {
			return false
		}
	}
	return true
}

// matchKeywords is a case-insensitive substring match over the user text.
func matchKeywords(keywords []string, text string) bool {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// matchRegex compiles patterns once and caches them; bad patterns never
// match and are logged.
func (r *Router) matchRegex(pattern, s string) bool {
	r.regexMu.Lock()
	re, ok := r.regexes[pattern]
	if !ok {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			r.regexMu.Unlock()
			r.log.Warn("invalid rule pattern", "pattern", pattern, "error", err)
			return false
		}
		r.regexes[pattern] = re
	}
	r.regexMu.Unlock()
	return re.MatchString(s)
}
