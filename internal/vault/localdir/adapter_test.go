package localdir

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksuzuki/vaultsearch/internal/domain"
	"github.com/ksuzuki/vaultsearch/internal/vault"
)

func writeFile(t *testing.T, root, rel, body string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestFileIDIsStable(t *testing.T) {
	assert.Equal(t, FileID("docs/a.md"), FileID("docs/a.md"))
	assert.NotEqual(t, FileID("docs/a.md"), FileID("docs/b.md"))
	// Windows-style separators normalize to the same id.
	assert.Equal(t, FileID("docs/a.md"), FileID(filepath.FromSlash("docs/a.md")))
}

func TestListReturnsFullSnapshot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "notes/readme.md", "hello")
	writeFile(t, root, "pics/cat.png", "not-really-a-png")
	writeFile(t, root, "top.txt", "top level")

	connector := NewConnector(root)
	session, err := connector.Open(context.Background())
	require.NoError(t, err)
	defer session.Close()

	entries, err := session.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)

	byPath := make(map[string]domain.VaultEntry)
	for _, e := range entries {
		byPath[e.Path] = e
	}
	require.Contains(t, byPath, "notes/readme.md")
	assert.Equal(t, FileID("notes/readme.md"), byPath["notes/readme.md"].FileID)
	assert.Equal(t, int64(5), byPath["notes/readme.md"].Size)
	assert.NotEmpty(t, byPath["notes/readme.md"].Checksum)
	assert.True(t, byPath["pics/cat.png"].MediaKind.NeedsVisual())
}

func TestChecksumChangesWithContent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "version one")

	connector := NewConnector(root)
	session, err := connector.Open(context.Background())
	require.NoError(t, err)
	entries1, err := session.List(context.Background())
	require.NoError(t, err)
	session.Close()

	writeFile(t, root, "a.txt", "version two")
	session2, err := connector.Open(context.Background())
	require.NoError(t, err)
	defer session2.Close()
	entries2, err := session2.List(context.Background())
	require.NoError(t, err)

	assert.Equal(t, entries1[0].FileID, entries2[0].FileID, "id is path-derived")
	assert.NotEqual(t, entries1[0].Checksum, entries2[0].Checksum)
}

func TestFetchByID(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "docs/body.md", "the content")

	connector := NewConnector(root)
	session, err := connector.Open(context.Background())
	require.NoError(t, err)
	defer session.Close()

	entries, err := session.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	body, err := session.Fetch(context.Background(), entries[0].FileID)
	require.NoError(t, err)
	assert.Equal(t, "the content", string(body))

	_, err = session.Fetch(context.Background(), "bogus-id")
	assert.Error(t, err)
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "body")

	connector := NewConnector(root)
	session, err := connector.Open(context.Background())
	require.NoError(t, err)

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	_, err = session.List(context.Background())
	assert.ErrorIs(t, err, vault.ErrSessionClosed)
	_, err = session.Fetch(context.Background(), "any")
	assert.ErrorIs(t, err, vault.ErrSessionClosed)
}

func TestOpenRejectsMissingRoot(t *testing.T) {
	connector := NewConnector(filepath.Join(t.TempDir(), "does-not-exist"))
	_, err := connector.Open(context.Background())
	assert.Error(t, err)
}
