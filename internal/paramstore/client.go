// Package paramstore resolves configuration values held in AWS SSM
// Parameter Store.
package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Prefix marks a configuration value as an SSM parameter reference, for
// example "ssm:/warden/anthropic-api-key".
const Prefix = "ssm:"

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client satisfies it.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// Resolver expands "ssm:" references, fetching each parameter once.
type Resolver struct {
	getter Getter

	mu    sync.Mutex
	cache map[string]string
}

func NewResolver(g Getter) *Resolver {
	return &Resolver{getter: g, cache: make(map[string]string)}
}

// IsRef reports whether v names an SSM parameter.
func IsRef(v string) bool {
	return strings.HasPrefix(strings.TrimSpace(v), Prefix)
}

// Resolve returns v unchanged unless it is an SSM reference. Parameter values
// stored as {"token": "..."} JSON are unwrapped to the token.
func (r *Resolver) Resolve(ctx context.Context, v string) (string, error) {
	if !IsRef(v) {
		return v, nil
	}
	name := strings.TrimPrefix(strings.TrimSpace(v), Prefix)

	r.mu.Lock()
	cached, ok := r.cache[name]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}
	if r.getter == nil {
		return "", fmt.Errorf("paramstore: %q referenced but no SSM client configured", name)
	}

	raw, err := r.getter.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	value := unwrapToken(raw)

	r.mu.Lock()
	r.cache[name] = value
	r.mu.Unlock()
	return value, nil
}

type tokenPayload struct {
	Token string `json:"token"`
}

func unwrapToken(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return raw
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(trimmed), &tp); err != nil || tp.Token == "" {
		return raw
	}
	return tp.Token
}
