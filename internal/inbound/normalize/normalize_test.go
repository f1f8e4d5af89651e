package normalize

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskworks/support-desk/internal/inbound/mimemsg"
	"github.com/deskworks/support-desk/internal/storage"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func parse(t *testing.T, raw string) *mimemsg.Message {
	t.Helper()
	msg, err := mimemsg.Parse(crlf(raw))
	require.NoError(t, err)
	return msg
}

func newFSNormalizer(t *testing.T, opts ...Option) (*Normalizer, *storage.FilesystemStore) {
	t.Helper()
	fs, err := storage.NewFilesystemStore(t.TempDir(), "https://media.example.com/media")
	require.NoError(t, err)
	return New(fs, opts...), fs
}

const inlineImage = `From: a@example.com
Subject: pic
Content-Type: multipart/related; boundary="rel"

--rel
Content-Type: text/html; charset=utf-8

<p>look <img src="cid:abc"> and <img src="cid:xyz"></p>
--rel
Content-Type: image/png
Content-ID: <abc>
Content-Disposition: inline; filename="dot.png"

PNGDATA
--rel--
`

func TestNormalizeRewritesContentIDs(t *testing.T) {
	n, fs := newFSNormalizer(t)

	res, err := n.Normalize(context.Background(), parse(t, inlineImage))
	require.NoError(t, err)
	require.Len(t, res.Attachments, 1)

	att := res.Attachments[0]
	assert.Equal(t, "dot.png", att.FileName)
	assert.Equal(t, "image/png", att.ContentType)
	assert.Equal(t, "abc", att.ContentID)
	assert.Equal(t, int64(len("PNGDATA")), att.Size)
	assert.True(t, strings.HasSuffix(att.Locator, ".png"))
	assert.Equal(t, "https://media.example.com/media/"+att.Locator, att.URL)

	assert.Contains(t, res.HTML, `src="`+att.URL+`"`)
	assert.Contains(t, res.HTML, `src="cid:xyz"`)
	assert.NotContains(t, res.HTML, "cid:abc")

	data, err := os.ReadFile(filepath.Join(fs.Dir(), filepath.FromSlash(att.Locator)))
	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(data))
}

func TestNormalizePrefersHTML(t *testing.T) {
	n, _ := newFSNormalizer(t)
	raw := `Content-Type: multipart/alternative; boundary="alt"

--alt
Content-Type: text/plain

plain version
--alt
Content-Type: text/html

<b>html version</b>
--alt--
`
	res, err := n.Normalize(context.Background(), parse(t, raw))
	require.NoError(t, err)
	assert.Contains(t, res.HTML, "<b>html version</b>")
	assert.NotContains(t, res.HTML, "plain version")
	assert.Empty(t, res.Attachments)
}

func TestNormalizeConvertsPlainText(t *testing.T) {
	n, _ := newFSNormalizer(t)
	raw := `Content-Type: text/plain

Hello
world, see https://example.com

<script>alert(1)</script>
`
	res, err := n.Normalize(context.Background(), parse(t, raw))
	require.NoError(t, err)
	assert.Contains(t, res.HTML, "Hello<br")
	assert.Contains(t, res.HTML, `href="https://example.com"`)
	assert.NotContains(t, res.HTML, "<script>")
}

func TestNormalizeNoBody(t *testing.T) {
	n, fs := newFSNormalizer(t)
	raw := `Content-Type: multipart/mixed; boundary="m"

--m
Content-Type: application/pdf
Content-Disposition: attachment; filename="a.pdf"

PDF
--m--
`
	_, err := n.Normalize(context.Background(), parse(t, raw))
	require.ErrorIs(t, err, ErrNoBody)

	entries, err := os.ReadDir(fs.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is stored for a rejected message")
}

func TestNormalizeSkipsEnvelopeArtifactsAndNamesUntitled(t *testing.T) {
	n, _ := newFSNormalizer(t)
	raw := `Content-Type: multipart/mixed; boundary="m"

--m
Content-Type: text/plain

body
--m
Content-Type: application/octet-stream

BLOB
--m
Content-Type: application/pgp-signature

-----BEGIN PGP SIGNATURE-----
-----END PGP SIGNATURE-----
--m--
`
	res, err := n.Normalize(context.Background(), parse(t, raw))
	require.NoError(t, err)
	require.Len(t, res.Attachments, 1)
	assert.Equal(t, "Untitled", res.Attachments[0].FileName)
}

type flakyStore struct {
	mu      sync.Mutex
	saved   map[string]bool
	deleted []string
	fail    string
}

func (s *flakyStore) Save(_ context.Context, name, _ string, _ []byte) (string, error) {
	if name == s.fail {
		return "", errors.New("disk full")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[name] = true
	return name, nil
}

func (s *flakyStore) URL(locator string) string { return "/media/" + locator }

func (s *flakyStore) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (s *flakyStore) Delete(_ context.Context, locator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, locator)
	return nil
}

func TestNormalizeCleansUpOnSaveFailure(t *testing.T) {
	store := &flakyStore{saved: map[string]bool{}, fail: "b.txt"}
	n := New(store)
	raw := `Content-Type: multipart/mixed; boundary="m"

--m
Content-Type: text/plain

body
--m
Content-Type: text/plain
Content-Disposition: attachment; filename="a.txt"

A
--m
Content-Type: text/plain
Content-Disposition: attachment; filename="b.txt"

B
--m--
`
	_, err := n.Normalize(context.Background(), parse(t, raw))
	require.Error(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	for name := range store.saved {
		assert.Contains(t, store.deleted, name)
	}
}

func TestNormalizeTrimsQuotedReplies(t *testing.T) {
	raw := `Content-Type: text/plain

Thanks, that fixed it.

On Mon, 1 Jan 2024 at 10:00, Support <help@example.com> wrote:
> Please try restarting.
`
	n, _ := newFSNormalizer(t)
	res, err := n.Normalize(context.Background(), parse(t, raw))
	require.NoError(t, err)
	assert.Contains(t, res.HTML, "Thanks, that fixed it.")
	assert.NotContains(t, res.HTML, "restarting")

	n, _ = newFSNormalizer(t, WithQuoteTrimming(false))
	res, err = n.Normalize(context.Background(), parse(t, raw))
	require.NoError(t, err)
	assert.Contains(t, res.HTML, "restarting")
}
