// Package semver negotiates the client protocol version against the range the
// gateway serves.
package semver

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:protocol"

var (
	ErrProtocolMissing     = errors.New("semver: protocol version required")
	ErrInvalidVersion      = errors.New("semver: invalid protocol version")
	ErrProtocolUnsupported = errors.New("semver: protocol version not supported")
)

// ProtocolChecker matches client protocol versions against a constraint such
// as "^1.2.0" or ">=1.0.0, <3.0.0".
type ProtocolChecker struct {
	raw        string
	constraint *masterminds.Constraints
}

// NewProtocolChecker parses constraint. An empty constraint disables the check
// and returns a nil checker, on which every method accepts all input.
func NewProtocolChecker(constraint string) (*ProtocolChecker, error) {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" {
		return nil, nil
	}
	c, err := masterminds.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid constraint %q: %w", logPrefix, constraint, err)
	}
	return &ProtocolChecker{raw: constraint, constraint: c}, nil
}

// String returns the constraint the checker was built from.
func (p *ProtocolChecker) String() string {
	if p == nil {
		return ""
	}
	return p.raw
}

// Check reports whether version satisfies the constraint.
func (p *ProtocolChecker) Check(version string) error {
	_, err := p.Negotiate(version)
	return err
}

// Negotiate picks the highest version from a comma separated list offered by
// the client that satisfies the constraint, and returns it normalized. A nil
// checker returns the offer unchanged.
func (p *ProtocolChecker) Negotiate(offered string) (string, error) {
	offered = strings.TrimSpace(offered)
	if p == nil {
		return offered, nil
	}
	if offered == "" {
		return "", ErrProtocolMissing
	}

	var candidates []*masterminds.Version
	for _, part := range strings.Split(offered, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := masterminds.NewVersion(part)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidVersion, part)
		}
		candidates = append(candidates, v)
	}
	if len(candidates) == 0 {
		return "", ErrProtocolMissing
	}

	sort.Sort(sort.Reverse(masterminds.Collection(candidates)))
	for _, v := range candidates {
		if p.constraint.Check(v) {
			return v.String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s does not satisfy %s", ErrProtocolUnsupported, offered, p.raw)
}
