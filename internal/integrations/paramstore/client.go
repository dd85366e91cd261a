package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"invoice-agent/internal/clock"
)

// DefaultTTL bounds how long a warm Lambda container reuses a parameter.
const DefaultTTL = 10 * time.Minute

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter. Model clients depend on
// it rather than on *Client.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type cached struct {
	value   string
	fetched time.Time
}

// Client reads decrypted SSM parameters and caches them for a TTL.
type Client struct {
	api   ssmAPI
	ttl   time.Duration
	clock clock.Clock

	mu    sync.RWMutex
	cache map[string]cached
}

type Option func(*Client)

// WithTTL sets the cache lifetime; zero or less disables caching.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) { c.ttl = ttl }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	c := &Client{api: api, ttl: DefaultTTL, clock: clock.System{}, cache: map[string]cached{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetParameter returns the decrypted value of name, served from cache while
// it is fresh. Failures are never cached.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	if v, ok := c.lookup(name); ok {
		return v, nil
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value", name)
	}
	value := *out.Parameter.Value

	if c.ttl > 0 {
		c.mu.Lock()
		c.cache[name] = cached{value: value, fetched: c.clock.Now()}
		c.mu.Unlock()
	}
	return value, nil
}

// GetJSON decodes a JSON-valued parameter into v.
func (c *Client) GetJSON(ctx context.Context, name string, v any) error {
	raw, err := c.GetParameter(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("paramstore: decode %q as JSON: %w", name, err)
	}
	return nil
}

func (c *Client) lookup(name string) (string, bool) {
	if c.ttl <= 0 {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.cache[name]
	if !ok || c.clock.Now().Sub(e.fetched) >= c.ttl {
		return "", false
	}
	return e.value, true
}
