package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	macaroon "gopkg.in/macaroon.v2"
)

// Capability is one of the admin-shaped operations gated behind an
// operator token, per SPEC_FULL.md §4.9.
type Capability string

const (
	CapDLQRead    Capability = "dlq:read"
	CapDLQResolve Capability = "dlq:resolve"
	CapSyncForce  Capability = "sync:force"
)

const (
	capCaveatPrefix   = "capability = "
	expiryCaveatPrefix = "expires-before "
)

// ErrMissingCapability is returned when a presented token doesn't carry the
// capability an endpoint requires.
type ErrMissingCapability struct {
	Required Capability
}

func (e *ErrMissingCapability) Error() string {
	return fmt.Sprintf("token lacks required capability %q", e.Required)
}

// ErrExpired is returned when a presented token's expiry caveat has passed.
var ErrExpired = fmt.Errorf("token expired")

// Service mints and verifies operator tokens. It wraps a RootKeyStorage
// rather than the full bakery.Bakery Oven/Checker machinery: the
// capability model here is a flat, non-discharging set of first-party
// caveats, which macaroon.v2's own Verify callback expresses directly
// without needing a third-party discharge flow.
type Service struct {
	keys *RootKeyStorage
	wall clock.Clock
}

// NewService constructs a Service over an already-unlocked RootKeyStorage.
func NewService(keys *RootKeyStorage, wall clock.Clock) *Service {
	return &Service{keys: keys, wall: wall}
}

// MintToken creates a new macaroon bound to the current root key, scoped to
// caps and valid until ttl elapses. The serialized token is what callers
// present in the Macaroon header.
func (s *Service) MintToken(ctx context.Context, operator string, caps []Capability, ttl time.Duration) ([]byte, error) {
	rootKey, id, err := s.keys.RootKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch root key: %w", err)
	}

	m, err := macaroon.New(rootKey, id, operator, macaroon.LatestVersion)
	if err != nil {
		return nil, fmt.Errorf("new macaroon: %w", err)
	}

	for _, c := range caps {
		if err := m.AddFirstPartyCaveat([]byte(capCaveatPrefix + string(c))); err != nil {
			return nil, fmt.Errorf("add capability caveat: %w", err)
		}
	}

	expiry := s.wall.Now().Add(ttl).UTC().Format(time.RFC3339)
	if err := m.AddFirstPartyCaveat([]byte(expiryCaveatPrefix + expiry)); err != nil {
		return nil, fmt.Errorf("add expiry caveat: %w", err)
	}

	return m.MarshalBinary()
}

// VerifyToken checks a serialized token's signature against the stored root
// key and confirms it both carries required and has not expired.
func (s *Service) VerifyToken(ctx context.Context, serialized []byte, required Capability) error {
	var m macaroon.Macaroon
	if err := m.UnmarshalBinary(serialized); err != nil {
		return fmt.Errorf("parse token: %w", err)
	}

	rootKey, err := s.keys.Get(ctx, m.Id())
	if err != nil {
		return fmt.Errorf("lookup root key: %w", err)
	}

	var hasCapability bool
	var expired error

	check := func(caveat string) error {
		switch {
		case strings.HasPrefix(caveat, capCaveatPrefix):
			if strings.TrimPrefix(caveat, capCaveatPrefix) == string(required) {
				hasCapability = true
			}
			return nil
		case strings.HasPrefix(caveat, expiryCaveatPrefix):
			deadline, err := time.Parse(time.RFC3339, strings.TrimPrefix(caveat, expiryCaveatPrefix))
			if err != nil {
				return fmt.Errorf("malformed expiry caveat: %w", err)
			}
			if s.wall.Now().After(deadline) {
				expired = ErrExpired
			}
			return nil
		default:
			return fmt.Errorf("unrecognized caveat %q", caveat)
		}
	}

	if err := m.Verify(rootKey, check, nil); err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	if expired != nil {
		return expired
	}
	if !hasCapability {
		return &ErrMissingCapability{Required: required}
	}
	return nil
}
