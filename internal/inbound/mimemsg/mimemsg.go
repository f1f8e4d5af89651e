// Package mimemsg decodes raw email into a queryable part tree.
package mimemsg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Part is one node of the MIME tree. Leaf bodies are transfer-decoded.
type Part struct {
	Header            gomessage.Header
	MediaType         string
	Params            map[string]string
	Disposition       string
	DispositionParams map[string]string
	Body              []byte
	Children          []*Part
}

// IsMultipart reports whether the part has children.
func (p *Part) IsMultipart() bool {
	return strings.HasPrefix(p.MediaType, "multipart/")
}

// Filename returns the disposition filename or the legacy content-type name.
func (p *Part) Filename() string {
	if name := p.DispositionParams["filename"]; name != "" {
		return name
	}
	return p.Params["name"]
}

// ContentID returns the Content-ID without angle brackets.
func (p *Part) ContentID() string {
	id := strings.TrimSpace(p.Header.Get("Content-Id"))
	return strings.TrimSuffix(strings.TrimPrefix(id, "<"), ">")
}

// IsAttachment reports whether a leaf should be stored rather than rendered.
// Explicit attachments always are; so is anything other than a nameless
// text/plain or text/html leaf.
func (p *Part) IsAttachment() bool {
	if p.IsMultipart() {
		return false
	}
	if p.Disposition == "attachment" {
		return true
	}
	switch p.MediaType {
	case "text/plain", "text/html":
		return p.Filename() != ""
	}
	return true
}

// Walk visits p and its descendants depth first.
func (p *Part) Walk(fn func(*Part)) {
	fn(p)
	for _, c := range p.Children {
		c.Walk(fn)
	}
}

// Leaves returns the non-multipart descendants in document order.
func (p *Part) Leaves() []*Part {
	var out []*Part
	p.Walk(func(n *Part) {
		if !n.IsMultipart() {
			out = append(out, n)
		}
	})
	return out
}

// Message is a decoded email. Raw holds the exact bytes Root was parsed from;
// Header may carry fields merged from an outer envelope.
type Message struct {
	Raw    []byte
	Header gomail.Header
	Root   *Part
}

// Parse decodes raw bytes. Parsing is pure: equal input gives equal output.
func Parse(raw []byte) (*Message, error) {
	root, err := ParsePart(raw)
	if err != nil {
		return nil, err
	}
	return &Message{Raw: raw, Header: gomail.Header{Header: root.Header}, Root: root}, nil
}

// ParsePart decodes a single MIME entity and its children.
func ParsePart(raw []byte) (*Part, error) {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("mimemsg: read entity: %w", err)
	}
	return buildPart(entity)
}

func buildPart(e *gomessage.Entity) (*Part, error) {
	mediaType, params, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType, params = "text/plain", map[string]string{}
	}
	p := &Part{
		Header:    e.Header,
		MediaType: strings.ToLower(mediaType),
		Params:    params,
	}
	if disp, dparams, err := e.Header.ContentDisposition(); err == nil {
		p.Disposition = strings.ToLower(disp)
		p.DispositionParams = dparams
	}

	if mr := e.MultipartReader(); mr != nil {
		for {
			child, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if gomessage.IsUnknownCharset(err) || gomessage.IsUnknownEncoding(err) {
					// child is still usable with its raw body.
				} else {
					return nil, fmt.Errorf("mimemsg: read part: %w", err)
				}
			}
			if child == nil {
				break
			}
			cp, err := buildPart(child)
			if err != nil {
				return nil, err
			}
			p.Children = append(p.Children, cp)
		}
		return p, nil
	}

	body, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, fmt.Errorf("mimemsg: read body: %w", err)
	}
	p.Body = body
	return p, nil
}

// MessageID returns the trimmed Message-ID header, brackets included.
func (m *Message) MessageID() string {
	return strings.TrimSpace(m.Header.Get("Message-Id"))
}

// From returns the first sender address, or nil when absent or unparsable.
func (m *Message) From() *gomail.Address {
	addrs, err := m.Header.AddressList("From")
	if err != nil || len(addrs) == 0 {
		return nil
	}
	return addrs[0]
}

// Date returns the parsed Date header. present is false only when the header
// is missing; an unparsable value yields the zero time with present true.
func (m *Message) Date() (d time.Time, present bool) {
	if strings.TrimSpace(m.Header.Get("Date")) == "" {
		return time.Time{}, false
	}
	d, err := m.Header.Date()
	if err != nil {
		return time.Time{}, true
	}
	return d, true
}

// Subject returns the decoded subject.
func (m *Message) Subject() string {
	s, err := m.Header.Subject()
	if err != nil {
		return strings.TrimSpace(m.Header.Get("Subject"))
	}
	return strings.TrimSpace(s)
}

// InReplyTo returns the trimmed In-Reply-To header.
func (m *Message) InReplyTo() string {
	return strings.TrimSpace(m.Header.Get("In-Reply-To"))
}

// References returns every whitespace-separated id across all References headers.
func (m *Message) References() []string {
	var refs []string
	for _, v := range m.Header.Values("References") {
		refs = append(refs, strings.Fields(v)...)
	}
	return refs
}

// AutoSubmitted returns the lowercased Auto-Submitted keyword.
func (m *Message) AutoSubmitted() string {
	v := strings.ToLower(strings.TrimSpace(m.Header.Get("Auto-Submitted")))
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	return v
}

// Body returns the first non-attachment leaf of mediaType, or nil.
func (m *Message) Body(mediaType string) *Part {
	for _, leaf := range m.Root.Leaves() {
		if leaf.MediaType == mediaType && !leaf.IsAttachment() {
			return leaf
		}
	}
	return nil
}

// Attachments returns every leaf that should be stored.
func (m *Message) Attachments() []*Part {
	var out []*Part
	for _, leaf := range m.Root.Leaves() {
		if leaf.IsAttachment() {
			out = append(out, leaf)
		}
	}
	return out
}

// NormalizeContentID turns a cid: URL or Content-ID value into its bare form.
func NormalizeContentID(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 4 && strings.EqualFold(v[:4], "cid:") {
		v = v[4:]
	}
	if unescaped, err := url.PathUnescape(v); err == nil {
		v = unescaped
	}
	return strings.TrimSuffix(strings.TrimPrefix(v, "<"), ">")
}

// IsContentHeader reports whether key describes the body rather than the message.
func IsContentHeader(key string) bool {
	k := strings.ToLower(key)
	return strings.HasPrefix(k, "content-") || k == "mime-version"
}
