// Package identity declares the narrow interfaces the core consumes
// from systems explicitly out of scope per spec.md §1: authenticated
// user identity, channel membership lookup, and tenant id for a
// channel. Nothing in this package owns data; every implementation is
// an adapter to an external collaborator.
package identity

import (
	"context"

	"github.com/google/uuid"
)

// Identity is the authenticated caller extracted from a bearer token.
type Identity struct {
	UserID uuid.UUID
	Role   string
}

// Authenticator verifies a bearer token and returns the caller's
// identity. The core never issues or stores tokens itself.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// MembershipClient answers "is user X a member of channel Y" and
// "who are channel Y's members", backed by an external membership
// service. ChannelMembership is read-only from the core's perspective
// (spec.md §3, Ownership).
type MembershipClient interface {
	IsMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error)
	Members(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error)
	TenantForChannel(ctx context.Context, channelID uuid.UUID) (uuid.UUID, error)
}
