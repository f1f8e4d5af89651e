// Package rawsplit splits MIME multipart bodies without re-encoding them.
// Signed content must be verified over its exact bytes, which a parse and
// re-serialize round trip does not preserve.
package rawsplit

import (
	"bytes"
	"errors"
)

var (
	// ErrNoBoundary is returned when the opening delimiter never appears.
	ErrNoBoundary = errors.New("rawsplit: boundary not found")
	// ErrUnterminated is returned when the close delimiter is missing.
	ErrUnterminated = errors.New("rawsplit: missing close delimiter")
)

// HeaderBody splits an entity at the first empty line. The returned body
// starts right after the blank line. An entity without a blank line is all
// header.
func HeaderBody(raw []byte) (header, body []byte) {
	for i := 0; i < len(raw); {
		end := bytes.IndexByte(raw[i:], '\n')
		if end < 0 {
			return raw, nil
		}
		line := raw[i : i+end]
		next := i + end + 1
		if len(bytes.TrimRight(line, "\r")) == 0 {
			return raw[:i], raw[next:]
		}
		i = next
	}
	return raw, nil
}

// Split returns the bytes of each body part between the delimiter lines of
// boundary. Each part excludes the line break that precedes the next
// delimiter, which belongs to the delimiter. Preamble and epilogue are dropped.
func Split(body []byte, boundary string) ([][]byte, error) {
	if boundary == "" {
		return nil, ErrNoBoundary
	}
	delim := []byte("--" + boundary)

	var (
		parts [][]byte
		start = -1
	)
	for i := 0; i < len(body); {
		end := bytes.IndexByte(body[i:], '\n')
		lineEnd := len(body)
		next := len(body)
		if end >= 0 {
			lineEnd = i + end
			next = lineEnd + 1
		}
		line := bytes.TrimRight(body[i:lineEnd], "\r")

		if isClose, ok := matchDelimiter(line, delim); ok {
			if start >= 0 {
				parts = append(parts, trimLineBreak(body[start:i]))
			}
			if isClose {
				if start < 0 && len(parts) == 0 {
					return nil, ErrNoBoundary
				}
				return parts, nil
			}
			start = next
		}
		i = next
	}
	if start < 0 {
		return nil, ErrNoBoundary
	}
	return nil, ErrUnterminated
}

// matchDelimiter reports whether line is a delimiter line and whether it is
// the close delimiter. Trailing linear whitespace is allowed.
func matchDelimiter(line, delim []byte) (isClose, ok bool) {
	if !bytes.HasPrefix(line, delim) {
		return false, false
	}
	rest := line[len(delim):]
	if bytes.HasPrefix(rest, []byte("--")) {
		isClose = true
		rest = rest[2:]
	}
	if len(bytes.Trim(rest, " \t")) != 0 {
		return false, false
	}
	return isClose, true
}

func trimLineBreak(b []byte) []byte {
	if bytes.HasSuffix(b, []byte("\r\n")) {
		return b[:len(b)-2]
	}
	if bytes.HasSuffix(b, []byte("\n")) {
		return b[:len(b)-1]
	}
	return b
}

// Canonicalize converts bare LF line endings to CRLF, the form OpenPGP
// signatures over MIME content are computed on.
func Canonicalize(b []byte) []byte {
	out := make([]byte, 0, len(b)+bytes.Count(b, []byte("\n")))
	for i, c := range b {
		if c == '\n' && (i == 0 || b[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, c)
	}
	return out
}
