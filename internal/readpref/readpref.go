// Package readpref implements read-preference modes, tag-set matching,
// and the member-selection function (spec.md §4.7 "select").
package readpref

import (
	"math/rand"
	"time"
)

// Mode is a read-preference routing mode.
type Mode int

const (
	Primary Mode = iota
	PrimaryPreferred
	Secondary
	SecondaryPreferred
	Nearest
)

func (m Mode) String() string {
	switch m {
	case Primary:
		return "primary"
	case PrimaryPreferred:
		return "primaryPreferred"
	case Secondary:
		return "secondary"
	case SecondaryPreferred:
		return "secondaryPreferred"
	case Nearest:
		return "nearest"
	default:
		return "unknown"
	}
}

// TagSet is a map of labels a member's tags must be a superset of to
// match (spec.md glossary "Tag set").
type TagSet map[string]string

// TagSets is tried in order; an empty TagSet matches anything.
type TagSets []TagSet

// ReadPref is the (mode, tagSets, latencyMs) triple that controls
// member selection (spec.md glossary "Read preference").
type ReadPref struct {
	Mode      Mode
	TagSets   TagSets
	LatencyMs int64
}

// Member is the minimal view of a member the selection function needs.
// internal/member.Member satisfies this.
type Member interface {
	IsPrimary() bool
	IsSecondary() bool
	IsUp() bool
	MatchesTagSets(tagSets TagSets) bool
	PingMillis() (int64, bool)
	EndpointString() string
}

// Select implements spec.md §4.7's selection function for the five
// modes. It returns ok=false when no member matches.
func Select[M Member](members []M, pref ReadPref) (m M, ok bool) {
	tagSets := pref.TagSets
	if len(tagSets) == 0 {
		tagSets = TagSets{{}}
	}

	switch pref.Mode {
	case Primary:
		return selectPrimary(members, tagSets)
	case PrimaryPreferred:
		if p, ok := selectPrimary(members, tagSets); ok {
			return p, true
		}
		return selectLatencyEligible(secondaries(members), tagSets, pref.LatencyMs)
	case Secondary:
		return selectLatencyEligible(secondaries(members), tagSets, pref.LatencyMs)
	case SecondaryPreferred:
		if s, ok := selectLatencyEligible(secondaries(members), tagSets, pref.LatencyMs); ok {
			return s, true
		}
		return selectPrimary(members, tagSets)
	case Nearest:
		return selectLatencyEligible(upMembers(members), tagSets, pref.LatencyMs)
	default:
		var zero M
		return zero, false
	}
}

func selectPrimary[M Member](members []M, tagSets TagSets) (m M, ok bool) {
	for _, mem := range members {
		if mem.IsPrimary() && mem.IsUp() && mem.MatchesTagSets(tagSets) {
			return mem, true
		}
	}
	var zero M
	return zero, false
}

func secondaries[M Member](members []M) []M {
	out := make([]M, 0, len(members))
	for _, mem := range members {
		if mem.IsSecondary() && mem.IsUp() {
			out = append(out, mem)
		}
	}
	return out
}

func upMembers[M Member](members []M) []M {
	out := make([]M, 0, len(members))
	for _, mem := range members {
		if mem.IsUp() && (mem.IsPrimary() || mem.IsSecondary()) {
			out = append(out, mem)
		}
	}
	return out
}

// selectLatencyEligible picks, among the tag-matching candidates, one
// whose ping average is within latencyMs of the minimum, breaking ties
// at random (spec.md §4.7: "Tie-breaks are free choice; implementations
// typically randomize").
func selectLatencyEligible[M Member](candidates []M, tagSets TagSets, latencyMs int64) (m M, ok bool) {
	eligible := make([]M, 0, len(candidates))
	for _, c := range candidates {
		if c.MatchesTagSets(tagSets) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		var zero M
		return zero, false
	}

	var min int64 = -1
	for _, c := range eligible {
		ping, has := c.PingMillis()
		if !has {
			continue
		}
		if min == -1 || ping < min {
			min = ping
		}
	}

	within := make([]M, 0, len(eligible))
	for _, c := range eligible {
		ping, has := c.PingMillis()
		if !has || min == -1 {
			within = append(within, c)
			continue
		}
		if ping-min <= latencyMs {
			within = append(within, c)
		}
	}
	if len(within) == 0 {
		within = eligible
	}

	return within[rng.Intn(len(within))], true
}

// rng is package-level so selection stays O(1) without reseeding per
// call; it never needs cryptographic strength.
var rng = rand.New(rand.NewSource(time.Now().UnixNano()))
