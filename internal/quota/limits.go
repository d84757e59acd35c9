// Package quota implements tier resolution, the quota ledger, and guest
// identity for the metered AI features.
package quota

import "rewritely/internal/types"

// Limits holds the per-window use ceiling for one tier. Guests meter per
// UTC day; authenticated tiers meter per calendar month.
type Limits struct {
	PerWindow int
}

// Registry is the authoritative source of per-tier, per-scope limits.
type Registry interface {
	// Limit returns the use ceiling for the tier and scope. Unknown tiers
	// fall back to the guest limit to fail safely.
	Limit(tier types.Tier, scope types.Scope) int
}

// tierDefaults defines the hardcoded plan limits.
//
//	| Tier  | Window | polish | summarize |
//	|-------|--------|--------|-----------|
//	| guest | day    | 5      | 5         |
//	| free  | month  | 30     | 30        |
//	| pro   | month  | 1000   | 1000      |
//
// The pro ceiling is a fair-use cap, not a sales limit.
var tierDefaults = map[types.Tier]map[types.Scope]int{
	types.TierGuest: {
		types.ScopePolish:    5,
		types.ScopeSummarize: 5,
	},
	types.TierFree: {
		types.ScopePolish:    30,
		types.ScopeSummarize: 30,
	},
	types.TierPro: {
		types.ScopePolish:    1000,
		types.ScopeSummarize: 1000,
	},
}

// staticRegistry is a compile-time limit registry backed by an in-memory map.
type staticRegistry struct {
	limits map[types.Tier]map[types.Scope]int
}

// NewStaticRegistry returns a Registry backed by the hardcoded tier limits.
// This is the standard production implementation; no database or external
// service is required.
func NewStaticRegistry() Registry {
	m := make(map[types.Tier]map[types.Scope]int, len(tierDefaults))
	for tier, scopes := range tierDefaults {
		inner := make(map[types.Scope]int, len(scopes))
		for scope, limit := range scopes {
			inner[scope] = limit
		}
		m[tier] = inner
	}
	return &staticRegistry{limits: m}
}

// Limit returns the use ceiling for the tier and scope. Unknown tiers or
// scopes resolve to the guest limit for the scope.
func (r *staticRegistry) Limit(tier types.Tier, scope types.Scope) int {
	if scopes, ok := r.limits[tier]; ok {
		if limit, ok := scopes[scope]; ok {
			return limit
		}
	}
	return r.limits[types.TierGuest][types.ScopePolish]
}

// featuresByTier maps each tier to its allowed feature keys. The wildcard
// grants every feature. Summarizing is a pro feature; the summarize rows in
// tierDefaults are ceilings behind this gate, not grants.
var featuresByTier = map[types.Tier]map[string]bool{
	types.TierGuest: {
		"rewrite.single": true,
		"rewrite.polish": true,
	},
	types.TierFree: {
		"rewrite.single":  true,
		"rewrite.multi":   true,
		"rewrite.polish":  true,
		"preview.compare": true,
		"tone.autodetect": true,
	},
	types.TierPro: {"*": true},
}

// scopeFeatures maps each metered scope to the feature key that gates it.
var scopeFeatures = map[types.Scope]string{
	types.ScopePolish:    "rewrite.polish",
	types.ScopeSummarize: "rewrite.summarize",
}

// FeatureForScope returns the feature key gating the metered scope.
func FeatureForScope(scope types.Scope) string {
	return scopeFeatures[scope]
}

// FeatureAllowed reports whether the tier may use the named feature.
func FeatureAllowed(tier types.Tier, feature string) bool {
	allowed := featuresByTier[tier]
	return allowed["*"] || allowed[feature]
}
