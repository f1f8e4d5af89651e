package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Pusher delivers agent notifications.
type Pusher interface {
	Push(ctx context.Context, body any) error
}

// WebhookPusher POSTs JSON to a fixed URL.
type WebhookPusher struct {
	url     string
	timeout time.Duration
}

// NewWebhookPusher returns a pusher for url.
func NewWebhookPusher(url string) *WebhookPusher {
	return &WebhookPusher{url: url, timeout: 10 * time.Second}
}

// Push sends body and treats any non-2xx answer as a failure.
func (p *WebhookPusher) Push(ctx context.Context, body any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			if left <= 0 {
				return context.DeadlineExceeded
			}
			timeout = left
		}
	}

	agent := fiber.Post(p.url)
	agent.JSON(body).Timeout(timeout)
	if err := agent.Parse(); err != nil {
		fiber.ReleaseAgent(agent)
		return fmt.Errorf("push: %w", err)
	}
	code, resp, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("push: %w", errors.Join(errs...))
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("push: webhook answered %d: %s", code, preview(resp))
	}
	return nil
}

func preview(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
