// Package thread matches inbound mail to an open ticket through its reply
// headers.
package thread

import (
	"context"
	"errors"
	"strings"

	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/repository"
)

// Finder looks up a non-closed ticket owning any of the given Message-IDs.
type Finder interface {
	FindOpenByEmailMessageIDs(ctx context.Context, ids []string) (*domain.Ticket, error)
}

// Headers are the reply headers of an inbound message.
type Headers struct {
	InReplyTo  string
	References []string
}

// Match returns the open ticket the message replies to, or nil when it
// starts a new conversation. In-Reply-To is tried first, then References.
// Closed and deleted tickets never match.
func Match(ctx context.Context, finder Finder, h Headers) (*domain.Ticket, error) {
	if id := strings.TrimSpace(h.InReplyTo); id != "" {
		t, err := find(ctx, finder, []string{id})
		if t != nil || err != nil {
			return t, err
		}
	}

	refs := References(h.References)
	if len(refs) == 0 {
		return nil, nil
	}
	return find(ctx, finder, refs)
}

// References flattens header values into trimmed, de-duplicated ids.
func References(values []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range values {
		for _, id := range strings.Fields(v) {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func find(ctx context.Context, finder Finder, ids []string) (*domain.Ticket, error) {
	t, err := finder.FindOpenByEmailMessageIDs(ctx, ids)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}
