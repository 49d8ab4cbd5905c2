// Package orchestrator contains the wire types shared between the core
// control plane and anything embedding or calling into it: tool
// definitions, the MCP-style response envelope, and provider transport
// configuration. Provider authors only need this package.
package orchestrator

import "encoding/json"

// Transport identifies how a provider is reached.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// ProviderConfig is one entry from the provider config file.
type ProviderConfig struct {
	Name      string            `json:"name" yaml:"name"`
	Transport Transport         `json:"transport" yaml:"transport"`
	Command   []string          `json:"command,omitempty" yaml:"command"`
	Env       map[string]string `json:"env,omitempty" yaml:"env"`
	URL       string            `json:"url,omitempty" yaml:"url"`
	Timeout   int               `json:"timeout,omitempty" yaml:"timeout"` // milliseconds
	Required  bool              `json:"required,omitempty" yaml:"required"`
	Sensitive bool              `json:"sensitive,omitempty" yaml:"sensitive"`
	Metadata  map[string]any    `json:"metadata,omitempty" yaml:"metadata"`
}

// Validate checks a ProviderConfig for the required fields of its transport.
func (c ProviderConfig) Validate() error {
	if c.Name == "" {
		return ErrField("name", "must not be empty")
	}
	switch c.Transport {
	case TransportStdio:
		if len(c.Command) == 0 {
			return ErrField("command", "required for stdio transport")
		}
	case TransportHTTP:
		if c.URL == "" {
			return ErrField("url", "required for http transport")
		}
	default:
		return ErrField("transport", "must be stdio or http")
	}
	return nil
}

// FieldError reports a single bad field in a validated structure.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Reason }

// ErrField constructs a *FieldError.
func ErrField(field, reason string) *FieldError { return &FieldError{Field: field, Reason: reason} }

// ToolDef is the merged-catalog tool definition the Router advertises.
type ToolDef struct {
	ExposedName  string          `json:"name"`
	OriginalName string          `json:"-"`
	ProviderName string          `json:"-"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	Annotations  map[string]any  `json:"annotations,omitempty"`
}

// ToolCallParams is the inbound body of POST /tools/call.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Envelope is the universal response shape.
type Envelope struct {
	Success bool    `json:"success"`
	Data    any     `json:"data,omitempty"`
	Error   string  `json:"error,omitempty"`
	Kind    ErrKind `json:"kind,omitempty"`
	Blocked bool    `json:"blocked,omitempty"`
	Paused  bool    `json:"paused,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// ContentBlock is one block of an MCP-style outer wrapper.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// MCPResponse is the outer wrapper every /tools/call response is framed in.
type MCPResponse struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ErrKind enumerates the canonical error kinds every API boundary
// classifies its failures into, so callers can switch on Kind instead
// of pattern-matching Error strings.
type ErrKind string

const (
	ErrValidation          ErrKind = "validation"
	ErrUnknownTool         ErrKind = "unknown-tool"
	ErrProviderUnavailable ErrKind = "provider-unavailable"
	ErrProviderTimeout     ErrKind = "provider-timeout"
	ErrProviderError       ErrKind = "provider-error"
	ErrSecurityBlocked     ErrKind = "security-blocked"
	ErrCostPaused          ErrKind = "cost-paused"
	ErrRateLimited         ErrKind = "rate-limited"
	ErrBodyTooLarge        ErrKind = "body-too-large"
	ErrInternal            ErrKind = "internal"
)

// RouteError is a typed error carrying one of the canonical kinds so
// handlers can switch on Kind rather than string-matching messages.
type RouteError struct {
	Kind    ErrKind
	Message string
	Elapsed int64 // milliseconds, populated for ErrProviderTimeout
	Limit   int64 // milliseconds, populated for ErrProviderTimeout
}

func (e *RouteError) Error() string { return e.Message }

// NewRouteError builds a *RouteError.
func NewRouteError(kind ErrKind, msg string) *RouteError {
	return &RouteError{Kind: kind, Message: msg}
}

// Envelope builds the failure Envelope for e, carrying both the
// formatted message and the typed Kind.
func (e *RouteError) Envelope() Envelope {
	return Envelope{Success: false, Error: e.Message, Kind: e.Kind}
}
