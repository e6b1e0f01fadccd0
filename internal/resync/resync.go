// Package resync implements C8: the Offline/Resync API (spec.md §4.8)
// clients call on reconnect to fetch everything they missed while
// offline, before the gateway hands them back to the live stream.
package resync

import (
	"context"

	"github.com/google/uuid"

	"chatcore/internal/apperr"
	"chatcore/internal/identity"
	"chatcore/internal/model"
	"chatcore/internal/store"
)

// DefaultLimit and MaxLimit bound a single resync page (spec.md §8,
// "Resync pagination").
const (
	DefaultLimit = 100
	MaxLimit     = 500
)

// Page is one resync response: up to limit messages strictly after
// afterSeqId, and whether more remain.
type Page struct {
	Messages   []*model.Message
	HasMore    bool
	NextCursor int64
}

type Resync struct {
	store      store.Store
	membership identity.MembershipClient
}

func New(st store.Store, membership identity.MembershipClient) *Resync {
	return &Resync{store: st, membership: membership}
}

// Fetch returns the next page of messages in channelID after afterSeqID
// for userID, rejecting non-members per I4. limit <= 0 falls back to
// DefaultLimit; limit above MaxLimit is clamped.
func (r *Resync) Fetch(ctx context.Context, userID, channelID uuid.UUID, afterSeqID int64, limit int) (*Page, error) {
	isMember, err := r.membership.IsMember(ctx, channelID, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "check channel membership", err)
	}
	if !isMember {
		return nil, apperr.ErrForbidden
	}

	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	// Fetch one extra row to detect whether a further page exists
	// without a second round-trip.
	rows, err := r.store.ListMessagesAfterSeq(ctx, channelID, afterSeqID, limit+1)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "list messages after seq", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	page := &Page{Messages: rows, HasMore: hasMore, NextCursor: afterSeqID}
	if len(rows) > 0 {
		page.NextCursor = rows[len(rows)-1].SeqID
	}
	return page, nil
}
