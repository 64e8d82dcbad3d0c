// Package authority decides which platform wins when connected
// marketplaces disagree about a field. Every field resolves through a rule
// table: a rule either names an authoritative platform with a priority, or
// marks the field newest-wins so the most recently updated observation is
// taken regardless of platform. Deployments can reshape the table with a
// YAML override file.
package authority

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-yaml"

	"github.com/shelfsync/shelfsync/pkg/platforms"
)

// Mode selects how a rule resolves disagreement.
type Mode string

const (
	// ModePlatform takes the named platform's value whenever that platform
	// observed the field.
	ModePlatform Mode = "platform"
	// ModeNewest takes the observation with the latest record timestamp.
	ModeNewest Mode = "newest"
)

// Rule defines how one field (or field pattern) resolves.
type Rule struct {
	Path     string             `json:"path" yaml:"path"`
	Mode     Mode               `json:"mode" yaml:"mode"`
	Platform platforms.Platform `json:"platform,omitempty" yaml:"platform,omitempty"`
	Priority int                `json:"priority" yaml:"priority"`
}

// Policy answers which rule governs a field of an entity type.
type Policy interface {
	// Find returns the highest-priority rule matching the field, or nil when
	// no rule matches.
	Find(fieldPath string, entityType platforms.EntityType) *Rule

	// Ranked returns every rule matching the field, highest priority first.
	// Callers walk the ranking when the top platform has no observation.
	Ranked(fieldPath string, entityType platforms.EntityType) []Rule

	// List returns all rules for an entity type.
	List(entityType platforms.EntityType) []Rule
}

type policy struct {
	productRules  []Rule
	variantRules  []Rule
	locationRules []Rule
}

// New creates a Policy with the default rule table: the primary storefront
// owns merchandising and pricing fields, physical attributes and stock
// follow whichever platform saw them last.
func New() Policy {
	return &policy{
		productRules:  defaultProductRules(),
		variantRules:  defaultVariantRules(),
		locationRules: defaultLocationRules(),
	}
}

// Find returns the highest-priority rule matching the field.
func (p *policy) Find(fieldPath string, entityType platforms.EntityType) *Rule {
	return ByField(fieldPath, p.rules(entityType))
}

// Ranked returns every matching rule, highest priority first.
func (p *policy) Ranked(fieldPath string, entityType platforms.EntityType) []Rule {
	var matched []Rule
	for _, r := range p.rules(entityType) {
		if MatchesPattern(fieldPath, r.Path) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return len(matched[i].Path) > len(matched[j].Path)
	})
	return matched
}

// List returns all rules for an entity type.
func (p *policy) List(entityType platforms.EntityType) []Rule {
	return p.rules(entityType)
}

func (p *policy) rules(entityType platforms.EntityType) []Rule {
	switch entityType {
	case platforms.EntityProduct:
		return p.productRules
	case platforms.EntityVariant:
		return p.variantRules
	case platforms.EntityLocation:
		return p.locationRules
	default:
		return nil
	}
}

// ByField returns the best-matching rule for a field path: highest
// priority, then longest (most specific) pattern.
func ByField(fieldPath string, rules []Rule) *Rule {
	var bestMatch *Rule
	var bestPriority int
	var bestMatchLength int

	for i, r := range rules {
		if MatchesPattern(fieldPath, r.Path) {
			patternLength := len(r.Path)
			if bestMatch == nil || r.Priority > bestPriority ||
				(r.Priority == bestPriority && patternLength > bestMatchLength) {
				bestMatch = &rules[i]
				bestPriority = r.Priority
				bestMatchLength = patternLength
			}
		}
	}
	return bestMatch
}

// MatchesPattern checks if a field path matches a pattern (supports *
// wildcards).
func MatchesPattern(fieldPath, pattern string) bool {
	if fieldPath == pattern {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(fieldPath) >= len(prefix) && fieldPath[:len(prefix)] == prefix
	}
	matched, err := filepath.Match(pattern, fieldPath)
	if err != nil {
		return false
	}
	return matched
}

// overrideFile is the YAML shape of an authority override file.
type overrideFile struct {
	Product  []Rule `yaml:"product"`
	Variant  []Rule `yaml:"variant"`
	Location []Rule `yaml:"location"`
}

// LoadFile creates a Policy from the defaults with the YAML file's rules
// layered on top. An override rule replaces every default rule with the
// same path before its own entries apply.
func LoadFile(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authority overrides: %w", err)
	}
	var file overrideFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse authority overrides %s: %w", path, err)
	}

	if err := validateRules(file.Product, file.Variant, file.Location); err != nil {
		return nil, fmt.Errorf("authority overrides %s: %w", path, err)
	}

	return &policy{
		productRules:  overlay(defaultProductRules(), file.Product),
		variantRules:  overlay(defaultVariantRules(), file.Variant),
		locationRules: overlay(defaultLocationRules(), file.Location),
	}, nil
}

func validateRules(groups ...[]Rule) error {
	for _, rules := range groups {
		for _, r := range rules {
			switch r.Mode {
			case ModePlatform:
				if !r.Platform.IsValid() {
					return fmt.Errorf("rule %q: unknown platform %q", r.Path, r.Platform)
				}
			case ModeNewest:
				if r.Platform != "" {
					return fmt.Errorf("rule %q: newest-wins rules take no platform", r.Path)
				}
			default:
				return fmt.Errorf("rule %q: unknown mode %q", r.Path, r.Mode)
			}
		}
	}
	return nil
}

// overlay replaces defaults that share a path with an override, then
// appends the overrides.
func overlay(defaults, overrides []Rule) []Rule {
	if len(overrides) == 0 {
		return defaults
	}
	replaced := make(map[string]bool, len(overrides))
	for _, r := range overrides {
		replaced[r.Path] = true
	}
	out := make([]Rule, 0, len(defaults)+len(overrides))
	for _, r := range defaults {
		if !replaced[r.Path] {
			out = append(out, r)
		}
	}
	return append(out, overrides...)
}

// defaultProductRules: merchandising content belongs to the storefront.
func defaultProductRules() []Rule {
	return []Rule{
		{Path: "Title", Mode: ModePlatform, Platform: platforms.Shopify, Priority: 100},
		{Path: "Title", Mode: ModePlatform, Platform: platforms.Square, Priority: 90},
		{Path: "Title", Mode: ModePlatform, Platform: platforms.Clover, Priority: 80},

		{Path: "Description", Mode: ModePlatform, Platform: platforms.Shopify, Priority: 100},
		{Path: "Description", Mode: ModePlatform, Platform: platforms.Square, Priority: 90},

		{Path: "Images", Mode: ModePlatform, Platform: platforms.Shopify, Priority: 100},
		{Path: "Images", Mode: ModePlatform, Platform: platforms.Square, Priority: 90},
	}
}

// defaultVariantRules: the storefront owns pricing; physical attributes
// and identifiers follow the freshest observation since any channel's
// staff may correct them.
func defaultVariantRules() []Rule {
	return []Rule{
		{Path: "Price", Mode: ModePlatform, Platform: platforms.Shopify, Priority: 100},
		{Path: "Price", Mode: ModePlatform, Platform: platforms.Square, Priority: 90},
		{Path: "Price", Mode: ModePlatform, Platform: platforms.Clover, Priority: 80},

		{Path: "CompareAtPrice", Mode: ModePlatform, Platform: platforms.Shopify, Priority: 100},

		{Path: "SKU", Mode: ModeNewest, Priority: 100},
		{Path: "Barcode", Mode: ModeNewest, Priority: 100},
		{Path: "WeightGrams", Mode: ModeNewest, Priority: 100},
		{Path: "RequiresShipping", Mode: ModePlatform, Platform: platforms.Shopify, Priority: 100},
		{Path: "Taxable", Mode: ModePlatform, Platform: platforms.Shopify, Priority: 100},

		// Stock counts move constantly on every channel.
		{Path: "Inventory.*", Mode: ModeNewest, Priority: 100},
	}
}

// defaultLocationRules: locations are physical facts, newest observation
// wins.
func defaultLocationRules() []Rule {
	return []Rule{
		{Path: "Name", Mode: ModeNewest, Priority: 100},
		{Path: "Address", Mode: ModeNewest, Priority: 100},
		{Path: "Active", Mode: ModeNewest, Priority: 100},
	}
}
