// Package vault defines the narrow contract to the external file repository
// being synchronized. A Connector opens a transport session; the session
// serves a full snapshot listing and file content fetches, and must be
// closed after every cycle (close is idempotent).
package vault

import (
	"context"
	"errors"

	"github.com/ksuzuki/vaultsearch/internal/domain"
)

// ErrSessionClosed is returned by session operations after Close.
var ErrSessionClosed = errors.New("vault: session closed")

// Session is one open transport session against the vault. It must not be
// assumed to stay open longer than the cycle that requested it.
type Session interface {
	// List returns the vault's current full snapshot. It is a complete
	// listing, not a delta feed.
	List(ctx context.Context) ([]domain.VaultEntry, error)

	// Fetch returns the raw content of one file.
	Fetch(ctx context.Context, fileID string) ([]byte, error)

	// Close releases the session. Safe to call more than once.
	Close() error
}

// Connector opens transport sessions.
type Connector interface {
	Open(ctx context.Context) (Session, error)
}
