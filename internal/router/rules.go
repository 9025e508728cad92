package router

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"courier/internal/envelope"
)

// Condition selects the envelopes a rule applies to. Empty lists match anything.
type Condition struct {
	MessageTypes []string                      `json:"message_types,omitempty"`
	SourceTypes  []envelope.ComponentType      `json:"source_types,omitempty"`
	Priorities   []envelope.Priority           `json:"priorities,omitempty"`
	Predicate    func(*envelope.Envelope) bool `json:"-"`
}

// Transform rewrites a matched envelope. now is the router clock at Send.
type Transform func(env *envelope.Envelope, now time.Time)

// Actions are applied in field order when a rule matches
type Actions struct {
	Transform            Transform             `json:"-"`
	DeliveryModeOverride envelope.DeliveryMode `json:"delivery_mode_override,omitempty"`
	AddMetadata          map[string]string     `json:"add_metadata,omitempty"`
	AddTags              []string              `json:"add_tags,omitempty"`
	LogRouting           bool                  `json:"log_routing,omitempty"`
	Veto                 bool                  `json:"veto,omitempty"`
}

// Rule is an ordered routing rule. Higher Priority runs first.
type Rule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Priority  int       `json:"priority"`
	Enabled   bool      `json:"enabled"`
	Condition Condition `json:"condition"`
	Actions   Actions   `json:"actions"`
}

// Matches reports whether the rule's condition accepts env
func (c *Condition) Matches(env *envelope.Envelope) bool {
	if len(c.MessageTypes) > 0 && !containsString(c.MessageTypes, env.Type) {
		return false
	}
	if len(c.SourceTypes) > 0 {
		found := false
		for _, t := range c.SourceTypes {
			if t == env.Source.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(c.Priorities) > 0 {
		found := false
		for _, p := range c.Priorities {
			if p == env.Priority {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.Predicate != nil && !c.Predicate(env) {
		return false
	}
	return true
}

// RuleSet holds rules sorted by descending priority, stable by insertion
type RuleSet struct {
	rules  []*Rule
	logger zerolog.Logger
	mutex  sync.RWMutex
}

// NewRuleSet creates an empty rule set
func NewRuleSet(log zerolog.Logger) *RuleSet {
	return &RuleSet{logger: log}
}

// Add inserts a rule and returns its ID
func (rs *RuleSet) Add(rule Rule) string {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()

	if rule.ID == "" {
		rule.ID = "rule_" + uuid.NewString()
	}
	r := rule
	rs.rules = append(rs.rules, &r)
	sort.SliceStable(rs.rules, func(i, j int) bool {
		return rs.rules[i].Priority > rs.rules[j].Priority
	})
	return r.ID
}

// Remove deletes a rule by ID
func (rs *RuleSet) Remove(id string) bool {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()

	for i, r := range rs.rules {
		if r.ID == id {
			rs.rules = append(rs.rules[:i], rs.rules[i+1:]...)
			return true
		}
	}
	return false
}

// SetEnabled toggles a rule
func (rs *RuleSet) SetEnabled(id string, enabled bool) bool {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()

	for _, r := range rs.rules {
		if r.ID == id {
			r.Enabled = enabled
			return true
		}
	}
	return false
}

// List returns the rules in evaluation order
func (rs *RuleSet) List() []Rule {
	rs.mutex.RLock()
	defer rs.mutex.RUnlock()

	out := make([]Rule, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = *r
	}
	return out
}

// Apply runs every enabled matching rule against env in order.
// A vetoing rule stops evaluation and returns ErrVetoed.
func (rs *RuleSet) Apply(env *envelope.Envelope, now time.Time) error {
	rs.mutex.RLock()
	rules := make([]*Rule, len(rs.rules))
	copy(rules, rs.rules)
	rs.mutex.RUnlock()

	for _, rule := range rules {
		if !rule.Enabled || !rule.Condition.Matches(env) {
			continue
		}

		if rule.Actions.Veto {
			rs.logger.Info().
				Str("rule", rule.Name).
				Str("message_id", env.ID).
				Str("type", env.Type).
				Msg("Message vetoed by routing rule")
			return ErrVetoed
		}
		if rule.Actions.Transform != nil {
			rule.Actions.Transform(env, now)
		}
		if rule.Actions.DeliveryModeOverride != "" {
			env.DeliveryMode = rule.Actions.DeliveryModeOverride
		}
		for k, v := range rule.Actions.AddMetadata {
			env.SetExtra(k, v)
		}
		for _, tag := range rule.Actions.AddTags {
			env.AddTag(tag)
		}
		if rule.Actions.LogRouting {
			rs.logger.Info().
				Str("rule", rule.Name).
				Str("message_id", env.ID).
				Str("type", env.Type).
				Str("priority", env.Priority.String()).
				Str("delivery_mode", string(env.DeliveryMode)).
				Str("source", env.Source.ComponentID).
				Msg("Routing message")
		}
	}
	return nil
}

const bulkExpiry = 5 * time.Minute

// DefaultRules returns the rules the hub installs at startup
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "audit-critical",
			Priority: 100,
			Enabled:  true,
			Condition: Condition{
				Priorities: []envelope.Priority{envelope.PriorityCritical},
			},
			Actions: Actions{
				AddMetadata: map[string]string{"audited": "true"},
				LogRouting:  true,
			},
		},
		{
			Name:     "expire-bulk",
			Priority: 10,
			Enabled:  true,
			Condition: Condition{
				Priorities: []envelope.Priority{envelope.PriorityBulk},
			},
			Actions: Actions{
				Transform: func(env *envelope.Envelope, now time.Time) {
					if env.Metadata.ExpiresAt == nil {
						exp := now.Add(bulkExpiry)
						env.Metadata.ExpiresAt = &exp
					}
				},
			},
		},
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
