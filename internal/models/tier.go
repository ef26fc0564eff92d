package models

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a dormancy bucket derived from last-activity age.
type Tier string

const (
	TierHot      Tier = "hot"
	TierWarm     Tier = "warm"
	TierDormant  Tier = "dormant"
	TierArchived Tier = "archived"
)

const day = 24 * time.Hour

// Tiers lists every tier from most to least recent.
var Tiers = []Tier{TierHot, TierWarm, TierDormant, TierArchived}

// Bounds returns the half-open age interval [min, max) covered by the tier.
// A zero max means unbounded.
func (t Tier) Bounds() (min, max time.Duration) {
	switch t {
	case TierHot:
		return 0, 7 * day
	case TierWarm:
		return 7 * day, 30 * day
	case TierDormant:
		return 30 * day, 365 * day
	case TierArchived:
		return 365 * day, 0
	}
	return 0, 0
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierHot, TierWarm, TierDormant, TierArchived:
		return true
	}
	return false
}

// ParseTier accepts a tier name in any case.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// TierFor derives the tier of a lead from its last activity. Leads with no
// recorded activity are archived; activity in the future counts as hot.
func TierFor(lastActivity *time.Time, now time.Time) Tier {
	if lastActivity == nil {
		return TierArchived
	}
	age := now.Sub(*lastActivity)
	for _, t := range Tiers {
		min, max := t.Bounds()
		if age < min {
			continue
		}
		if max == 0 || age < max {
			return t
		}
	}
	return TierHot
}
