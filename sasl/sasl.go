// Package sasl is the external-collaborator shim spec.md §1 calls the
// "SASL mechanism negotiation library": it turns a server challenge
// into a response without knowing anything about the memcached wire
// protocol carrying the bytes.
package sasl

import (
	"errors"
	"sort"
	"strings"
)

// ErrNoCommonMechanism is returned when none of the server-advertised
// mechanisms are supported by this package.
var ErrNoCommonMechanism = errors.New("sasl: no mutually supported mechanism")

// Mechanism drives one SASL conversation. Start produces the initial
// response (sent as the AUTH request's value); Step consumes a further
// server challenge and produces the next response, signaling done when
// no further round is needed.
type Mechanism interface {
	Name() string
	Start() (initial []byte, err error)
	Step(challenge []byte) (response []byte, done bool, err error)
}

// Factory constructs a Mechanism for one authentication attempt.
type Factory func(user, pass string) Mechanism

// registry orders mechanisms from strongest to weakest; Negotiate picks
// the first entry also present in the server's advertised list.
var registry = []struct {
	name    string
	factory Factory
}{
	{"CRAM-MD5", func(user, pass string) Mechanism { return newCRAMMD5(user, pass) }},
	{"PLAIN", func(user, pass string) Mechanism { return newPlain(user, pass) }},
}

// Negotiate picks the strongest mechanism common to the server's
// space-separated LIST_MECHS response and this package's registry, per
// spec.md §4.3's AUTHENTICATING state.
func Negotiate(serverMechs string, user, pass string) (Mechanism, error) {
	offered := make(map[string]bool)
	for _, m := range strings.Fields(serverMechs) {
		offered[strings.ToUpper(m)] = true
	}

	candidates := make([]struct {
		name    string
		factory Factory
	}, 0, len(registry))
	for _, entry := range registry {
		if offered[entry.name] {
			candidates = append(candidates, entry)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoCommonMechanism
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return strength(candidates[i].name) > strength(candidates[j].name)
	})
	return candidates[0].factory(user, pass), nil
}

func strength(name string) int {
	for i, entry := range registry {
		if entry.name == name {
			return len(registry) - i
		}
	}
	return 0
}
