package handlers

import (
	"errors"
	"io/fs"
	"path"

	"github.com/gofiber/fiber/v2"

	"github.com/deskworks/support-desk/internal/storage"
)

// MediaHandler serves stored attachments read-only.
type MediaHandler struct {
	store storage.ContentStore
}

// NewMediaHandler constructs handler.
func NewMediaHandler(store storage.ContentStore) *MediaHandler {
	return &MediaHandler{store: store}
}

// Get GET /media/*.
func (h *MediaHandler) Get(c *fiber.Ctx) error {
	locator := c.Params("*")
	rc, err := h.store.Open(c.UserContext(), locator)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidLocator) || errors.Is(err, fs.ErrNotExist) {
			return fiber.ErrNotFound
		}
		return err
	}
	c.Type(path.Ext(locator))
	c.Set(fiber.HeaderXContentTypeOptions, "nosniff")
	c.Set(fiber.HeaderCacheControl, "public, max-age=31536000, immutable")
	return c.SendStream(rc)
}
