// Package tier defines subscription tiers and the quotas they grant.
package tier

import "strings"

// Tier is a user's subscription level.
type Tier string

const (
	Free      Tier = "free"
	Pro       Tier = "pro"
	Elite     Tier = "elite"
	Anonymous Tier = "anonymous"
)

// Quota is the set of limits a tier grants.
type Quota struct {
	// CanStart gates whether the tier may start traders at all.
	CanStart bool
	// MaxRunningTraders caps concurrently running traders per user.
	MaxRunningTraders int
	// MaxConcurrentAnalysis caps parallel symbol evaluations per trader.
	MaxConcurrentAnalysis int
}

var quotas = map[Tier]Quota{
	Free:      {CanStart: false, MaxRunningTraders: 0, MaxConcurrentAnalysis: 0},
	Anonymous: {CanStart: false, MaxRunningTraders: 0, MaxConcurrentAnalysis: 0},
	Pro:       {CanStart: true, MaxRunningTraders: 5, MaxConcurrentAnalysis: 3},
	Elite:     {CanStart: true, MaxRunningTraders: 20, MaxConcurrentAnalysis: 5},
}

// Parse normalizes a stored tier string. Unknown or empty values map to
// Anonymous so a missing user row never grants quota.
func Parse(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case Free:
		return Free
	case Pro:
		return Pro
	case Elite:
		return Elite
	default:
		return Anonymous
	}
}

// QuotaFor returns the quota table entry for a tier.
func QuotaFor(t Tier) Quota {
	if q, ok := quotas[t]; ok {
		return q
	}
	return quotas[Anonymous]
}
