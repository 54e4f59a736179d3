// Package rules is the read side of the field-mapping rule store: lookup of
// transform rules by (provider, category), provider-form to standard-form
// symbol mapping, and change notifications so callers can evict cached
// rules. Rules are seeded from configuration and can be replaced at runtime.
package rules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/marketwire/streamgate/internal/types"
)

// Field operations. "custom" exists in stored rule definitions but is
// disabled: rules carrying it are rejected at upsert.
const (
	OpMultiply = "multiply"
	OpDivide   = "divide"
	OpAdd      = "add"
	OpSubtract = "subtract"
	OpFormat   = "format"
	OpCustom   = "custom"
)

// Direction of a symbol mapping.
type Direction int

const (
	// FromProvider maps a provider-form symbol to standard form.
	FromProvider Direction = iota
	// ToProvider maps a standard-form symbol back to provider form.
	ToProvider
)

// FieldOp maps one payload field into the normalized record.
type FieldOp struct {
	Source  string  `json:"source"`
	Target  string  `json:"target"`
	Op      string  `json:"op"`
	Operand float64 `json:"operand,omitempty"`
	Format  string  `json:"format,omitempty"`
}

// Rule is the transform definition for one (provider, category) pair.
type Rule struct {
	Provider string    `json:"provider"`
	Category string    `json:"category"`
	Fields   []FieldOp `json:"fields"`
}

// Apply runs the rule's field operations over a provider payload and returns
// the normalized field bag. Source fields absent from the payload are
// skipped; a non-numeric value under an arithmetic op fails the whole tick.
func (r *Rule) Apply(payload map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(r.Fields))

	for _, f := range r.Fields {
		raw, ok := payload[f.Source]
		if !ok {
			continue
		}

		switch f.Op {
		case OpMultiply, OpDivide, OpAdd, OpSubtract:
			v, ok := toFloat(raw)
			if !ok {
				return nil, fmt.Errorf("field %q: non-numeric value %T for op %s", f.Source, raw, f.Op)
			}
			switch f.Op {
			case OpMultiply:
				out[f.Target] = v * f.Operand
			case OpDivide:
				if f.Operand == 0 {
					return nil, fmt.Errorf("field %q: divide by zero operand", f.Source)
				}
				out[f.Target] = v / f.Operand
			case OpAdd:
				out[f.Target] = v + f.Operand
			case OpSubtract:
				out[f.Target] = v - f.Operand
			}
		case OpFormat:
			out[f.Target] = fmt.Sprintf(f.Format, raw)
		default:
			return nil, fmt.Errorf("field %q: unsupported op %q", f.Source, f.Op)
		}
	}

	return out, nil
}

// validate rejects rules that could never apply cleanly.
func (r *Rule) validate() error {
	if r.Provider == "" || r.Category == "" {
		return fmt.Errorf("rule requires provider and category")
	}
	if len(r.Fields) == 0 {
		return fmt.Errorf("rule %s/%s has no field operations", r.Provider, r.Category)
	}
	for _, f := range r.Fields {
		if f.Source == "" || f.Target == "" {
			return fmt.Errorf("rule %s/%s: field op requires source and target", r.Provider, r.Category)
		}
		switch f.Op {
		case OpMultiply, OpAdd, OpSubtract:
		case OpDivide:
			if f.Operand == 0 {
				return fmt.Errorf("rule %s/%s: field %q divides by zero", r.Provider, r.Category, f.Source)
			}
		case OpFormat:
			if f.Format == "" {
				return fmt.Errorf("rule %s/%s: field %q format op without format string", r.Provider, r.Category, f.Source)
			}
		case OpCustom:
			return fmt.Errorf("rule %s/%s: field %q uses disabled custom op", r.Provider, r.Category, f.Source)
		default:
			return fmt.Errorf("rule %s/%s: field %q unknown op %q", r.Provider, r.Category, f.Source, f.Op)
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// ChangeListener is invoked after a rule for (provider, category) changes or
// is removed. Listeners run on their own goroutine and must not block store
// operations.
type ChangeListener func(provider, category string)

// Store is the in-process rule read service. All lookups are RLock-only;
// mutation is rare (seed at startup, operator refresh).
type Store struct {
	mu sync.RWMutex

	rules map[string]*Rule // provider|category -> rule

	// Symbol mappings per provider, both directions. Absent entries fall
	// back to standard-form normalization.
	toStandard map[string]map[string]string
	toProvider map[string]map[string]string

	listeners []ChangeListener

	logger zerolog.Logger
}

func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		rules:      make(map[string]*Rule),
		toStandard: make(map[string]map[string]string),
		toProvider: make(map[string]map[string]string),
		logger:     logger.With().Str("component", "rules").Logger(),
	}
}

func ruleKey(provider, category string) string {
	return provider + "|" + category
}

// UpsertRule validates and installs a rule, replacing any existing rule for
// the same (provider, category). Change listeners fire on success.
func (s *Store) UpsertRule(rule Rule) error {
	if err := rule.validate(); err != nil {
		return err
	}

	// Copy so later mutation of the caller's slice cannot race lookups.
	stored := Rule{
		Provider: rule.Provider,
		Category: rule.Category,
		Fields:   append([]FieldOp(nil), rule.Fields...),
	}

	s.mu.Lock()
	s.rules[ruleKey(rule.Provider, rule.Category)] = &stored
	listeners := append([]ChangeListener(nil), s.listeners...)
	s.mu.Unlock()

	s.logger.Info().
		Str("provider", rule.Provider).
		Str("category", rule.Category).
		Int("field_ops", len(rule.Fields)).
		Msg("Rule installed")

	s.notify(listeners, rule.Provider, rule.Category)
	return nil
}

// RemoveRule deletes the rule for (provider, category) if present.
func (s *Store) RemoveRule(provider, category string) {
	s.mu.Lock()
	_, existed := s.rules[ruleKey(provider, category)]
	delete(s.rules, ruleKey(provider, category))
	listeners := append([]ChangeListener(nil), s.listeners...)
	s.mu.Unlock()

	if existed {
		s.notify(listeners, provider, category)
	}
}

// FindRuleFor returns the active rule for (provider, category), or nil when
// none is installed. The returned rule is shared and must not be mutated.
func (s *Store) FindRuleFor(provider, category string) (*Rule, error) {
	if provider == "" || category == "" {
		return nil, fmt.Errorf("rule lookup requires provider and category")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules[ruleKey(provider, category)], nil
}

// SetSymbolMappings installs the provider-form to standard-form table for a
// provider, replacing any previous table. The reverse index is derived.
func (s *Store) SetSymbolMappings(provider string, providerToStandard map[string]string) {
	forward := make(map[string]string, len(providerToStandard))
	reverse := make(map[string]string, len(providerToStandard))
	for p, std := range providerToStandard {
		std = types.StandardSymbol(std)
		forward[p] = std
		reverse[std] = p
	}

	s.mu.Lock()
	s.toStandard[provider] = forward
	s.toProvider[provider] = reverse
	s.mu.Unlock()
}

// NormalizeSymbol maps a symbol between provider form and standard form.
// The direction is always explicit; a literal "standard" provider is
// rejected rather than treated as a sentinel.
func (s *Store) NormalizeSymbol(symbol, provider string, direction Direction) (string, error) {
	if strings.TrimSpace(symbol) == "" {
		return "", fmt.Errorf("empty symbol")
	}
	if provider == "" {
		return "", fmt.Errorf("empty provider")
	}
	if strings.EqualFold(provider, "standard") {
		return "", fmt.Errorf("provider %q is not a valid provider name", provider)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	switch direction {
	case FromProvider:
		if mapped, ok := s.toStandard[provider][symbol]; ok {
			return mapped, nil
		}
		// No explicit mapping: standard form is the trimmed uppercase form,
		// which keeps normalization idempotent.
		return types.StandardSymbol(symbol), nil
	case ToProvider:
		std := types.StandardSymbol(symbol)
		if mapped, ok := s.toProvider[provider][std]; ok {
			return mapped, nil
		}
		return std, nil
	default:
		return "", fmt.Errorf("unknown normalization direction %d", direction)
	}
}

// OnChange registers a listener for rule changes.
func (s *Store) OnChange(listener ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *Store) notify(listeners []ChangeListener, provider, category string) {
	for _, l := range listeners {
		go l(provider, category)
	}
}

// CategoryMapper derives the rule category from a capability name. The
// explicit table from configuration wins; otherwise the capability's
// "stream-" prefix is stripped and dashes become underscores.
type CategoryMapper struct {
	overrides map[string]string
}

func NewCategoryMapper(overrides map[string]string) *CategoryMapper {
	if overrides == nil {
		overrides = map[string]string{}
	}
	return &CategoryMapper{overrides: overrides}
}

func (cm *CategoryMapper) CategoryFor(capability string) string {
	if category, ok := cm.overrides[capability]; ok {
		return category
	}
	trimmed := strings.TrimPrefix(capability, "stream-")
	return strings.ReplaceAll(trimmed, "-", "_")
}
