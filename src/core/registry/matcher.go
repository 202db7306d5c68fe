package registry

import (
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// TagSets is a dependency's tag declaration split by prefix: bare tags are
// required, '+' tags are preferred, '-' tags are excluded.
type TagSets struct {
	Required  []string
	Preferred []string
	Excluded  []string
}

// ParseTags splits declared tags into required/preferred/excluded sets.
// Empty tags and bare prefixes ("+", "-") are ignored.
func ParseTags(tags []string) TagSets {
	var sets TagSets
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		switch {
		case tag == "" || tag == "+" || tag == "-":
		case strings.HasPrefix(tag, "+"):
			sets.Preferred = append(sets.Preferred, tag[1:])
		case strings.HasPrefix(tag, "-"):
			sets.Excluded = append(sets.Excluded, tag[1:])
		default:
			sets.Required = append(sets.Required, tag)
		}
	}
	return sets
}

// MatchTags reports whether a provider's tag set passes the declaration:
// every required tag present, no excluded tag present.
func MatchTags(providerTags []string, sets TagSets) bool {
	for _, required := range sets.Required {
		if !containsTag(providerTags, required) {
			return false
		}
	}
	for _, excluded := range sets.Excluded {
		if containsTag(providerTags, excluded) {
			return false
		}
	}
	return true
}

// PreferredMatches counts how many preferred tags the provider carries.
func PreferredMatches(providerTags []string, sets TagSets) int {
	n := 0
	for _, preferred := range sets.Preferred {
		if containsTag(providerTags, preferred) {
			n++
		}
	}
	return n
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MatchVersion reports whether a provider version satisfies a constraint.
// An empty constraint matches everything. Unparseable versions or
// constraints fail closed.
func MatchVersion(version, constraint string) bool {
	if constraint == "" {
		return true
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return c.Check(v)
}

// FreshnessBonus maps heartbeat age onto a small monotone score: agents
// probed within a quarter of the timeout window score highest, anything
// beyond the window scores zero.
func FreshnessBonus(age, timeout time.Duration) int {
	switch {
	case age < 0:
		return 3
	case age <= timeout/4:
		return 3
	case age <= timeout/2:
		return 2
	case age <= timeout:
		return 1
	default:
		return 0
	}
}

// ScoreProvider computes the resolver score: preferred-tag matches dominate,
// freshness breaks the rest.
func ScoreProvider(providerTags []string, sets TagSets, heartbeatAge, timeout time.Duration) int {
	return 10*PreferredMatches(providerTags, sets) + FreshnessBonus(heartbeatAge, timeout)
}
