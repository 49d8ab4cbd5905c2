package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Client wraps a Transport with the MCP-style handshake and the two
// higher-level calls the rest of the control plane needs: ListTools and
// CallTool. It caches the last-known tool catalog for fast reads.
type Client struct {
	config    Config
	transport Transport
	logger    *slog.Logger

	mu    sync.RWMutex
	tools []Tool
}

// NewClient constructs a Client for cfg without connecting.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	transport, err := NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		config:    cfg,
		transport: transport,
		logger:    logger.With("provider", cfg.Name),
	}, nil
}

// Connect performs the transport connect, the initialize handshake, the
// initialized notification, and an initial tool-catalog refresh.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	if _, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "orchestrator", "version": "1.0.0"},
	}); err != nil {
		_ = c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		return fmt.Errorf("initial tool listing: %w", err)
	}
	return nil
}

// Close tears down the transport.
func (c *Client) Close() error { return c.transport.Close() }

// Connected reports whether the underlying transport is up.
func (c *Client) Connected() bool { return c.transport.Connected() }

// Config returns the provider's configuration.
func (c *Client) Config() Config { return c.config }

// HealthCheck performs a lightweight tools/list round-trip to confirm the
// provider is responsive.
func (c *Client) HealthCheck(ctx context.Context) bool {
	if !c.transport.Connected() {
		return false
	}
	_, err := c.transport.Call(ctx, "tools/list", nil)
	return err == nil
}

// RefreshTools re-fetches and caches the provider's tool catalog.
func (c *Client) RefreshTools(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var resp listToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()
	c.logger.Debug("refreshed tools", "count", len(resp.Tools))
	return nil
}

// Tools returns the cached tool catalog.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// CallTool invokes name with the given arguments and unwraps the
// provider's MCP-style response. A malformed response
// structure yields a CallResult with no error rather than a transport
// failure — only transport/timeout faults return a Go error.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (CallResult, error) {
	params := callToolParams{Name: name, Arguments: arguments}
	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return CallResult{}, err
	}

	var wrapped callToolResult
	if jerr := json.Unmarshal(result, &wrapped); jerr != nil || len(wrapped.Content) == 0 {
		return CallResult{}, nil
	}

	inner := unwrapText(wrapped.Content[0].Text)
	if wrapped.IsError {
		var errDoc struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(inner, &errDoc) == nil && errDoc.Error != "" {
			return CallResult{Success: false, Error: errDoc.Error}, nil
		}
		return CallResult{Success: false, Error: string(inner)}, nil
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if json.Unmarshal(inner, &envelope) == nil && envelope.Data != nil {
		return CallResult{Success: true, Data: envelope.Data}, nil
	}
	// Not an envelope-shaped payload: treat the unwrapped text itself as data.
	return CallResult{Success: true, Data: inner}, nil
}

// unwrapText peels at most one extra layer of {content:[{type:"text",
// text:"<json>"}]} nesting; providers may wrap their payload once more
// than the outer envelope already does.
func unwrapText(text string) json.RawMessage {
	var nested callToolResult
	if err := json.Unmarshal([]byte(text), &nested); err == nil && len(nested.Content) > 0 {
		return json.RawMessage(nested.Content[0].Text)
	}
	return json.RawMessage(text)
}
