package pgpenv

import (
	"strings"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"

	"github.com/deskworks/support-desk/internal/inbound/mimemsg"
)

type field struct {
	key, value string
}

func fieldsOf(h gomessage.Header) []field {
	var out []field
	fs := h.Fields()
	for fs.Next() {
		out = append(out, field{fs.Key(), fs.Value()})
	}
	return out
}

// mergeHeaders builds the header of an unwrapped message. Content headers
// always come from inner. Other fields come from outer, unless inner declares
// protected-headers="v1", in which case any field inner carries replaces the
// outer one.
func mergeHeaders(outer, inner *mimemsg.Message) gomail.Header {
	innerFields := fieldsOf(inner.Root.Header)
	protected := strings.EqualFold(inner.Root.Params["protected-headers"], "v1")

	innerKeys := make(map[string]bool)
	if protected {
		for _, f := range innerFields {
			if !mimemsg.IsContentHeader(f.key) {
				innerKeys[strings.ToLower(f.key)] = true
			}
		}
	}

	var merged []field
	for _, f := range fieldsOf(outer.Header.Header) {
		if mimemsg.IsContentHeader(f.key) || innerKeys[strings.ToLower(f.key)] {
			continue
		}
		merged = append(merged, f)
	}
	for _, f := range innerFields {
		if mimemsg.IsContentHeader(f.key) || protected {
			merged = append(merged, f)
		}
	}

	// Add places each field on top, so insert bottom-up to keep order.
	var h gomessage.Header
	for i := len(merged) - 1; i >= 0; i-- {
		h.Add(merged[i].key, merged[i].value)
	}
	return gomail.Header{Header: h}
}
