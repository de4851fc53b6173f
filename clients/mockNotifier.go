package clients

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type (
	// MockNotifier records what would have been sent.
	MockNotifier struct {
		name string

		mu       sync.Mutex
		sent     []SendArgs
		failures int
	}

	SendArgs struct {
		Target  string
		Subject string
		Content string
	}
)

func NewMockNotifier(name string) *MockNotifier {
	return &MockNotifier{name: name}
}

func (c *MockNotifier) Name() string { return c.name }

// FailNext makes the next n Send calls fail.
func (c *MockNotifier) FailNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = n
}

func (c *MockNotifier) Send(ctx context.Context, target, subject, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failures > 0 {
		c.failures--
		return errors.Errorf("%s: send failure", c.name)
	}
	c.sent = append(c.sent, SendArgs{Target: target, Subject: subject, Content: content})
	return nil
}

func (c *MockNotifier) Sent() []SendArgs {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SendArgs, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *MockNotifier) LastSent() *SendArgs {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	last := c.sent[len(c.sent)-1]
	return &last
}
