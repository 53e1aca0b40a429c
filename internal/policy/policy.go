// Package policy implements the dynamic limit policy: a pure function
// from (tier, health) to an effective limit, dispatched through
// tagged-variant sum types and a literal table rather than string
// comparisons on the hot path.
package policy

// Tier is the tagged-variant identifying which column of the policy
// table applies. Unrecognised tier names from the Identity Directory
// resolve to TierUnknown.
type Tier int

const (
	TierFree Tier = iota
	TierPro
	TierEnterprise
	TierUnknown
)

// TierFromName maps a configured tier name onto its tagged variant.
// Names outside the three known tiers collapse to TierUnknown, per the
// table's "unknown tier" column.
func TierFromName(name string) Tier {
	switch name {
	case "free":
		return TierFree
	case "pro":
		return TierPro
	case "enterprise":
		return TierEnterprise
	default:
		return TierUnknown
	}
}

// Health is the tagged-variant identifying which row of the policy
// table applies.
type Health int

const (
	HealthNormal Health = iota
	HealthDegraded
	HealthUnknown
)

// Descriptor is the immutable {base, burst, degraded, window} tuple for
// one tier, duplicated here (rather than importing tierconfig) so this
// package stays a pure leaf with no dependency on the config loader.
type Descriptor struct {
	Base     int
	Burst    int
	Degraded int
	Window   int
}

// selector[h][t] picks which field of Descriptor applies. Expressed as
// a literal table rather than nested switches so the policy is data,
// not branching logic.
type field int

const (
	fieldBase field = iota
	fieldBurst
	fieldDegraded
)

var selector = [3][4]field{
	HealthNormal: {
		TierFree:       fieldBurst,
		TierPro:        fieldBurst,
		TierEnterprise: fieldBurst,
		TierUnknown:    fieldBase,
	},
	HealthDegraded: {
		TierFree:       fieldDegraded,
		TierPro:        fieldBase,
		TierEnterprise: fieldBase,
		TierUnknown:    fieldBase,
	},
	HealthUnknown: {
		TierFree:       fieldBase,
		TierPro:        fieldBase,
		TierEnterprise: fieldBase,
		TierUnknown:    fieldBase,
	},
}

// EffectiveLimit computes the limit in force for one (tier, health)
// pair given its descriptor. Depends only on its arguments: identical
// inputs always yield identical outputs.
func EffectiveLimit(tier Tier, health Health, d Descriptor) int {
	if tier < TierFree || tier > TierUnknown {
		tier = TierUnknown
	}
	if health < HealthNormal || health > HealthUnknown {
		health = HealthUnknown
	}

	switch selector[health][tier] {
	case fieldBurst:
		return d.Burst
	case fieldDegraded:
		return d.Degraded
	default:
		return d.Base
	}
}
