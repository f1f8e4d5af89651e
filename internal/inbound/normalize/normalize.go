// Package normalize turns a resolved message into one HTML body plus stored
// attachments.
package normalize

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deskworks/support-desk/internal/inbound/mimemsg"
	"github.com/deskworks/support-desk/internal/storage"
)

// ErrNoBody means the message had neither an HTML nor a plain text body.
var ErrNoBody = errors.New("normalize: no usable body")

const untitled = "Untitled"

// Attachment is a saved attachment not yet bound to a message row.
type Attachment struct {
	FileName    string
	ContentType string
	ContentID   string
	Locator     string
	URL         string
	Size        int64
}

// Result is the normalized body and its attachments.
type Result struct {
	HTML        string
	Attachments []Attachment
}

// Normalizer selects and renders the body and saves attachments.
type Normalizer struct {
	store       storage.ContentStore
	markdown    goldmark.Markdown
	trimQuotes  bool
	parallelism int
	logger      *zap.Logger
}

// Option customizes a Normalizer.
type Option func(*Normalizer)

// WithQuoteTrimming toggles stripping of quoted reply history. On by default.
func WithQuoteTrimming(enabled bool) Option {
	return func(n *Normalizer) { n.trimQuotes = enabled }
}

// WithMarkdown replaces the plain text converter.
func WithMarkdown(md goldmark.Markdown) Option {
	return func(n *Normalizer) { n.markdown = md }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Normalizer) { n.logger = l }
}

// NewMarkdown returns the plain text to HTML converter: hard line breaks,
// autolinks and no raw HTML passthrough.
func NewMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
}

// New builds a Normalizer saving into store.
func New(store storage.ContentStore, opts ...Option) *Normalizer {
	n := &Normalizer{
		store:       store,
		markdown:    NewMarkdown(),
		parallelism: 4,
		trimQuotes:  true,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize picks the body, saves attachments and rewrites cid: references.
// Attachment files are written before it returns; on error none are left.
func (n *Normalizer) Normalize(ctx context.Context, msg *mimemsg.Message) (*Result, error) {
	body, err := n.selectBody(msg)
	if err != nil {
		return nil, err
	}

	atts, err := n.saveAttachments(ctx, msg.Attachments())
	if err != nil {
		return nil, err
	}
	res := &Result{Attachments: atts}

	urls := make(map[string]string)
	for _, a := range atts {
		if a.ContentID != "" {
			urls[a.ContentID] = a.URL
		}
	}
	res.HTML, err = RewriteContentIDs(body, urls)
	if err != nil {
		n.Discard(ctx, res)
		return nil, err
	}
	return res, nil
}

func (n *Normalizer) selectBody(msg *mimemsg.Message) (string, error) {
	if part := msg.Body("text/html"); part != nil {
		body := string(part.Body)
		if n.trimQuotes {
			body = TrimHTMLQuotes(body)
		}
		return body, nil
	}
	part := msg.Body("text/plain")
	if part == nil {
		return "", ErrNoBody
	}
	text := string(part.Body)
	if n.trimQuotes {
		text = TrimTextQuotes(text)
	}
	var buf bytes.Buffer
	if err := n.markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("normalize: convert plain text: %w", err)
	}
	return buf.String(), nil
}

// envelopeArtifact reports parts that only exist to carry PGP/MIME structure.
func envelopeArtifact(p *mimemsg.Part) bool {
	switch p.MediaType {
	case "application/pgp-signature", "application/pgp-encrypted":
		return true
	}
	return false
}

func (n *Normalizer) saveAttachments(ctx context.Context, parts []*mimemsg.Part) ([]Attachment, error) {
	var kept []*mimemsg.Part
	for _, p := range parts {
		if !envelopeArtifact(p) {
			kept = append(kept, p)
		}
	}
	out := make([]Attachment, len(kept))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.parallelism)
	for i, p := range kept {
		i, p := i, p
		g.Go(func() error {
			name := p.Filename()
			if name == "" {
				name = untitled
			}
			locator, err := n.store.Save(gctx, name, p.MediaType, p.Body)
			if err != nil {
				return fmt.Errorf("normalize: save %q: %w", name, err)
			}
			out[i] = Attachment{
				FileName:    name,
				ContentType: p.MediaType,
				ContentID:   p.ContentID(),
				Locator:     locator,
				URL:         n.store.URL(locator),
				Size:        int64(len(p.Body)),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		n.Discard(ctx, &Result{Attachments: out})
		return nil, err
	}
	return out, nil
}

// Discard deletes the stored files of res. Used when the message that would
// own them is not committed.
func (n *Normalizer) Discard(ctx context.Context, res *Result) {
	if res == nil {
		return
	}
	for _, a := range res.Attachments {
		if a.Locator == "" {
			continue
		}
		if err := n.store.Delete(ctx, a.Locator); err != nil {
			n.logger.Warn("failed to delete orphaned attachment", zap.String("locator", a.Locator), zap.Error(err))
		}
	}
}
