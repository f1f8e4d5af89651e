// Package storage keeps attachment bytes outside the database.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrInvalidLocator is returned for locators that escape the store.
var ErrInvalidLocator = errors.New("storage: invalid locator")

// ContentStore saves objects under generated unique names.
type ContentStore interface {
	// Save writes data and returns a locator. nameHint only contributes the
	// file extension; two saves never share a locator.
	Save(ctx context.Context, nameHint, contentType string, data []byte) (string, error)
	// URL returns the public URL for a locator.
	URL(locator string) string
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
	Delete(ctx context.Context, locator string) error
}
