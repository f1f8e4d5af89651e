package normalize

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var attributionLine = regexp.MustCompile(`(?i)^\s*(on\s.+wrote:|-{2,}\s*original message\s*-{2,})\s*$`)

// TrimTextQuotes drops quoted reply history from a plain text body: from an
// attribution line ("On ... wrote:") onwards, or a trailing block of ">"
// lines. A body that would become empty is returned unchanged.
func TrimTextQuotes(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	cut := len(lines)
	for i, line := range lines {
		if attributionLine.MatchString(line) {
			cut = i
			break
		}
	}
	if cut == len(lines) {
		end := len(lines)
		for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
			end--
		}
		start := end
		for start > 0 && strings.HasPrefix(strings.TrimSpace(lines[start-1]), ">") {
			start--
		}
		if start < end {
			cut = start
		}
	}

	trimmed := strings.TrimRight(strings.Join(lines[:cut], "\n"), " \t\n")
	if strings.TrimSpace(trimmed) == "" {
		return text
	}
	return trimmed
}

// TrimHTMLQuotes removes the quote containers common mail clients wrap reply
// history in. On parse failure or when nothing would remain, doc is
// returned unchanged.
func TrimHTMLQuotes(doc string) string {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return doc
	}
	var doomed []*html.Node
	walk(root, func(n *html.Node) {
		if n.Type == html.ElementNode && isQuoteContainer(n) {
			doomed = append(doomed, n)
		}
	})
	if len(doomed) == 0 {
		return doc
	}
	for _, n := range doomed {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
	if strings.TrimSpace(textContent(root)) == "" && !hasMedia(root) {
		return doc
	}
	out, err := render(root)
	if err != nil {
		return doc
	}
	return out
}

func isQuoteContainer(n *html.Node) bool {
	class := " " + attr(n, "class") + " "
	switch {
	case strings.Contains(class, " gmail_quote "):
		return true
	case strings.Contains(class, " moz-cite-prefix "):
		return true
	case n.Data == "blockquote" && strings.EqualFold(attr(n, "type"), "cite"):
		return true
	case n.Data == "div" && attr(n, "id") == "appendonsend":
		return true
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	})
	return b.String()
}

func hasMedia(n *html.Node) bool {
	found := false
	walk(n, func(c *html.Node) {
		if c.Type == html.ElementNode && cidTags[c.Data] {
			found = true
		}
	})
	return found
}
