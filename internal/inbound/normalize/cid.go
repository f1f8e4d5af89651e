package normalize

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"

	"github.com/deskworks/support-desk/internal/inbound/mimemsg"
)

// cidTags are the elements whose src/href may point at an inline part.
var cidTags = map[string]bool{
	"img":    true,
	"script": true,
	"link":   true,
	"audio":  true,
	"video":  true,
	"iframe": true,
	"embed":  true,
	"source": true,
}

// RewriteContentIDs parses doc and replaces cid: references in src and href
// attributes with urls[contentID]. Unknown ids are left untouched. The
// document is re-serialized from the DOM.
func RewriteContentIDs(doc string, urls map[string]string) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", err
	}
	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode || !cidTags[n.Data] {
			return
		}
		for i, attr := range n.Attr {
			if attr.Namespace != "" || (attr.Key != "src" && attr.Key != "href") {
				continue
			}
			v := strings.TrimSpace(attr.Val)
			if len(v) < 4 || !strings.EqualFold(v[:4], "cid:") {
				continue
			}
			if url, ok := urls[mimemsg.NormalizeContentID(v)]; ok {
				n.Attr[i].Val = url
			}
		}
	})
	return render(root)
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func render(n *html.Node) (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return "", err
	}
	return buf.String(), nil
}
