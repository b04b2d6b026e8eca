// Package member implements the immutable member descriptor (spec.md
// C2): one server's last-known role, tags, and connection pool handle.
package member

import (
	"time"

	"github.com/nimbusdb/rsdriver/internal/address"
	"github.com/nimbusdb/rsdriver/internal/avg"
	"github.com/nimbusdb/rsdriver/internal/readpref"
)

// State is a member's replication role.
type State int

const (
	// Other covers recovering/starting/hidden/unknown states.
	Other State = iota
	Primary
	Secondary
)

// DefaultMaxDocumentSize is used when a handshake response omits
// maxBsonObjectSize (spec.md §3).
const DefaultMaxDocumentSize = 4 * 1024 * 1024

// Handshake is the subset of an isMaster response a Member is built
// from (spec.md §6).
type Handshake struct {
	IsPrimary       bool
	IsSecondary     bool
	SetName         string
	Hosts           []string
	Passives        []string
	Arbiters        []string
	Tags            map[string]string
	MaxDocumentSize int
}

// Pool is the narrow view of a connection pool a Member needs to hold a
// stable handle to; internal/pool.MemberPool satisfies it.
type Pool interface {
	Endpoint() address.Endpoint
}

// Member is an immutable snapshot of one server's role, tags, and pool
// handle (spec.md §3). All mutators return a new Member.
type Member struct {
	endpoint        address.Endpoint
	pool            Pool
	handshake       Handshake
	state           State
	tags            map[string]string
	maxDocumentSize int
	pingAvg         avg.MovingAverage
	up              bool
}

// New builds the first Member for an endpoint from its initial
// handshake and a single ping sample (spec.md §4.5 step 2/7).
func New(endpoint address.Endpoint, pool Pool, hs Handshake, pingSample time.Duration) Member {
	return Member{
		endpoint:        endpoint,
		pool:            pool,
		handshake:       hs,
		state:           stateOf(hs),
		tags:            hs.Tags,
		maxDocumentSize: effectiveMaxDocSize(hs),
		pingAvg:         avg.New(pingSample),
		up:              true,
	}
}

func stateOf(hs Handshake) State {
	switch {
	case hs.IsPrimary:
		return Primary
	case hs.IsSecondary:
		return Secondary
	default:
		return Other
	}
}

func effectiveMaxDocSize(hs Handshake) int {
	if hs.MaxDocumentSize > 0 {
		return hs.MaxDocumentSize
	}
	return DefaultMaxDocumentSize
}

// CloneWith refreshes role/tags/ping and marks the member up (spec.md
// §4.2), keeping the same pool handle.
func (m Member) CloneWith(hs Handshake, pingSample time.Duration) Member {
	return Member{
		endpoint:        m.endpoint,
		pool:            m.pool,
		handshake:       hs,
		state:           stateOf(hs),
		tags:            hs.Tags,
		maxDocumentSize: effectiveMaxDocSize(hs),
		pingAvg:         m.pingAvg.Add(pingSample),
		up:              true,
	}
}

// CloneDown keeps the last-known handshake/tags but marks the member
// down (spec.md §4.2).
func (m Member) CloneDown() Member {
	c := m
	c.up = false
	return c
}

func (m Member) Endpoint() address.Endpoint   { return m.endpoint }
func (m Member) Pool() Pool                   { return m.pool }
func (m Member) Handshake() Handshake         { return m.handshake }
func (m Member) State() State                 { return m.state }
func (m Member) Tags() map[string]string      { return m.tags }
func (m Member) MaxDocumentSize() int         { return m.maxDocumentSize }
func (m Member) Up() bool                     { return m.up }
func (m Member) IsUp() bool                   { return m.up }
func (m Member) IsPrimary() bool              { return m.state == Primary }
func (m Member) IsSecondary() bool            { return m.state == Secondary }
func (m Member) EndpointString() string       { return m.endpoint.String() }

// PingMillis reports the member's rolling RTT estimate in
// milliseconds, satisfying readpref.Member.
func (m Member) PingMillis() (int64, bool) {
	if !m.pingAvg.HasValue() {
		return 0, false
	}
	return m.pingAvg.Value().Milliseconds(), true
}

// MatchesMode reports whether this member can serve the given read
// mode at all (spec.md §4.2); tag matching is separate.
func (m Member) MatchesMode(mode readpref.Mode) bool {
	switch mode {
	case readpref.Primary:
		return m.IsPrimary()
	case readpref.Secondary:
		return m.IsSecondary()
	default:
		return m.IsPrimary() || m.IsSecondary()
	}
}

// MatchesTags reports whether this member's tags are a superset of
// tags (spec.md glossary "Tag set").
func (m Member) MatchesTags(tags readpref.TagSet) bool {
	for k, v := range tags {
		if m.tags[k] != v {
			return false
		}
	}
	return true
}

// MatchesTagSets reports whether this member matches any tag set in
// tagSets, tried in order.
func (m Member) MatchesTagSets(tagSets readpref.TagSets) bool {
	for _, tags := range tagSets {
		if m.MatchesTags(tags) {
			return true
		}
	}
	return false
}
