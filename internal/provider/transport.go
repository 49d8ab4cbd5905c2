package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

// Transport is the polymorphism point over subprocess/HTTP variants.
// Both concrete transports
// implement the same narrow surface; neither inherits from the other.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	Events() <-chan json.RawMessage
	Connected() bool
}

// NewTransport builds the transport variant named by cfg.Transport.
func NewTransport(cfg Config) (Transport, error) {
	switch cfg.Transport {
	case TransportStdio:
		return newStdioTransport(cfg), nil
	case TransportHTTP:
		return newHTTPTransport(cfg), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown transport %q", cfg.Name, cfg.Transport)
	}
}
