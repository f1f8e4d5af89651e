package worker

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
)

// Mail is one outbound notification.
type Mail struct {
	To      *mail.Address
	Subject string
	// MessageID includes angle brackets. Empty generates one.
	MessageID  string
	InReplyTo  string
	References []string
	// Automated marks notices that must not trigger auto-responders.
	Automated bool
	HTML      string
}

// Composer renders Mail into RFC 5322 bytes.
type Composer struct {
	from   *mail.Address
	domain string
	now    func() time.Time
}

// NewComposer parses from (for example `Support <support@example.com>`).
func NewComposer(from, domain string) (*Composer, error) {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse sender address %q: %w", from, err)
	}
	return &Composer{from: addr, domain: domain, now: time.Now}, nil
}

// Sender returns the envelope sender.
func (c *Composer) Sender() string {
	return c.from.Address
}

// Compose writes m as multipart/alternative with a text and an HTML part.
func (c *Composer) Compose(m Mail) ([]byte, error) {
	var h mail.Header
	h.SetDate(c.now())
	h.SetAddressList("From", []*mail.Address{c.from})
	h.SetAddressList("To", []*mail.Address{m.To})
	h.SetSubject(m.Subject)
	if m.MessageID != "" {
		h.Set("Message-Id", m.MessageID)
	} else if err := h.GenerateMessageIDWithHostname(c.domain); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	if m.InReplyTo != "" {
		h.Set("In-Reply-To", m.InReplyTo)
	}
	if len(m.References) > 0 {
		h.Set("References", strings.Join(m.References, " "))
	}
	if m.Automated {
		h.Set("Auto-Submitted", "auto-replied")
	}

	var buf bytes.Buffer
	w, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if err := writePart(w, "text/plain", HTMLToText(m.HTML)); err != nil {
		return nil, err
	}
	if err := writePart(w, "text/html", m.HTML); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(w *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, body); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// HTMLToText flattens an HTML fragment for the text/plain alternative.
// Links keep their target in parentheses.
func HTMLToText(fragment string) string {
	root, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}
	var b strings.Builder
	writeText(&b, root)
	lines := strings.Split(b.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if n.Data == "" {
			return
		}
		if isSpace(n.Data[0]) {
			b.WriteByte(' ')
		}
		b.WriteString(strings.Join(strings.Fields(n.Data), " "))
		if isSpace(n.Data[len(n.Data)-1]) {
			b.WriteByte(' ')
		}
		return
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "head":
			return
		case "br":
			b.WriteByte('\n')
			return
		case "hr":
			b.WriteString("\n----\n")
			return
		case "li":
			b.WriteString("\n* ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}

	if n.Type != html.ElementNode {
		return
	}
	switch n.Data {
	case "a":
		for _, attr := range n.Attr {
			if attr.Key == "href" && attr.Val != "" && !strings.HasPrefix(attr.Val, "#") {
				b.WriteString(" (" + attr.Val + ")")
			}
		}
	case "p", "div", "blockquote", "pre", "table", "ul", "ol", "h1", "h2", "h3", "h4", "h5", "h6":
		b.WriteString("\n\n")
	case "tr":
		b.WriteByte('\n')
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}
