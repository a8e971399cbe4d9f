// Package localdir adapts a local directory tree as a vault. Used for
// development and tests; the production deployment points the connector at
// the mounted network share instead.
package localdir

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ksuzuki/vaultsearch/internal/domain"
	"github.com/ksuzuki/vaultsearch/internal/vault"
)

// Connector opens sessions over a local directory tree.
type Connector struct {
	root string
}

// NewConnector creates a connector rooted at the given directory.
func NewConnector(root string) *Connector {
	return &Connector{root: root}
}

// Open validates the root and returns a session.
func (c *Connector) Open(ctx context.Context) (vault.Session, error) {
	info, err := os.Stat(c.root)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %s is not a directory", c.root)
	}

	return &session{root: c.root, paths: make(map[string]string)}, nil
}

type session struct {
	root string

	mu     sync.Mutex
	paths  map[string]string // file id -> absolute path
	closed bool
}

// FileID derives the stable file identifier for a vault-relative path.
func FileID(relPath string) string {
	sum := sha256.Sum256([]byte(filepath.ToSlash(relPath)))
	return hex.EncodeToString(sum[:])
}

// List walks the tree and returns the full snapshot.
func (s *session) List(ctx context.Context) ([]domain.VaultEntry, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, vault.ErrSessionClosed
	}
	s.mu.Unlock()

	var entries []domain.VaultEntry
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := md5.Sum(data)

		fileID := FileID(rel)
		s.mu.Lock()
		s.paths[fileID] = path
		s.mu.Unlock()

		entries = append(entries, domain.VaultEntry{
			FileID:     fileID,
			Path:       filepath.ToSlash(rel),
			Checksum:   hex.EncodeToString(sum[:]),
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC(),
			MediaKind:  domain.MediaKindForPath(rel),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list vault: %w", err)
	}

	return entries, nil
}

// Fetch reads one file's content by id. The id must come from a prior List
// on the same session.
func (s *session) Fetch(ctx context.Context, fileID string) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, vault.ErrSessionClosed
	}
	path, ok := s.paths[fileID]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown file id: %s", fileID)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return os.ReadFile(path)
}

// Close marks the session closed. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
