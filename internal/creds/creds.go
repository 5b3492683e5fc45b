// Package creds abstracts where the syncer obtains its API credentials.
package creds

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ErrUnavailable is returned when a provider cannot supply the requested
// credential. The run aborts; the next scheduled tick retries.
var ErrUnavailable = errors.New("credential unavailable")

// Provider supplies named credentials on demand.
type Provider interface {
	// Get returns the credential registered under name, or an error
	// wrapping ErrUnavailable if it cannot be supplied.
	Get(ctx context.Context, name string) (string, error)
}

// Env resolves credentials from environment variables, treating the
// credential name as the variable name.
type Env struct{}

func (Env) Get(_ context.Context, name string) (string, error) {
	val, ok := os.LookupEnv(name)
	if !ok || val == "" {
		return "", fmt.Errorf("environment variable %s not set: %w", name, ErrUnavailable)
	}
	return val, nil
}

// Static serves credentials from a fixed map, typically values loaded from
// a config file.
type Static map[string]string

func (s Static) Get(_ context.Context, name string) (string, error) {
	val, ok := s[name]
	if !ok || val == "" {
		return "", fmt.Errorf("credential %s not configured: %w", name, ErrUnavailable)
	}
	return val, nil
}

// Chain tries each provider in order and returns the first credential
// found. It fails only when every provider fails.
type Chain []Provider

func (c Chain) Get(ctx context.Context, name string) (string, error) {
	var lastErr error
	for _, p := range c {
		val, err := p.Get(ctx, name)
		if err == nil {
			return val, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no providers configured: %w", ErrUnavailable)
	}
	return "", lastErr
}
