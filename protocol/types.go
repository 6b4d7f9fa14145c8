// Package protocol defines the JSON shapes exchanged with a scripting
// runtime.
//
// A request is a single loose JSON object, decoded by the module with the
// same rules as the configuration:
//
//	{"url": "https://example.test/", "method": "GET",
//	 "headers": {"X-Test": "1"},
//	 "http": {"timeout": "3s", "randomUserAgent": true},
//	 "proxy": {"listPath": "./proxies.txt"}}
//
// and the reply is a Response.
//
// The daemon wraps these in line-delimited Messages and Replies: one JSON
// object per line on stdin, one per line on stdout.
package protocol

// MessageType represents the type of IPC message
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypePreview  MessageType = "preview"

	// Configuration
	TypeConfigSet MessageType = "config.set"
	TypeConfigGet MessageType = "config.get"
	TypeConfig    MessageType = "config"

	// Resource lists
	TypeListLoad   MessageType = "list.load"
	TypeListReload MessageType = "list.reload"
	TypeRandom     MessageType = "random"

	// Control messages
	TypePing     MessageType = "ping"
	TypePong     MessageType = "pong"
	TypeOK       MessageType = "ok"
	TypeError    MessageType = "error"
	TypeShutdown MessageType = "shutdown"

	// Info
	TypePresetList MessageType = "preset.list"
)

// List names accepted by list.load and random.
const (
	ListUserAgents = "userAgents"
	ListReferers   = "referers"
	ListPaths      = "paths"
	ListProxies    = "proxies"

	// random only
	ListPathsWithQuery = "pathsWithQuery"
)

// Message is an incoming IPC message. Which fields are read depends on Type.
type Message struct {
	ID      string         `json:"id"`
	Type    MessageType    `json:"type"`
	Request map[string]any `json:"request,omitempty"` // request, preview
	Config  map[string]any `json:"config,omitempty"`  // config.set
	List    string         `json:"list,omitempty"`    // list.load, random
	Path    string         `json:"path,omitempty"`    // list.load
}

// Reply is an outgoing IPC message.
type Reply struct {
	ID       string         `json:"id"`
	Type     MessageType    `json:"type"`
	Response *Response      `json:"response,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
	Value    string         `json:"value,omitempty"`
	Presets  []string       `json:"presets,omitempty"`
	Version  string         `json:"version,omitempty"`
	Error    *ErrorInfo     `json:"error,omitempty"`
}

// ErrorInfo describes why a message could not be handled. A request that
// reached the wire never produces one; its failure is in the Response.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeInvalidConfig  = "INVALID_CONFIG"
	ErrCodeLoadFailed     = "LOAD_FAILED"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// NewErrorReply creates an error reply
func NewErrorReply(id, code, message string) *Reply {
	return &Reply{
		ID:   id,
		Type: TypeError,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	}
}

// Response is the result of a request. OK is false only for transport-level
// failures; Status is then 0 and Error holds a stable cause.
type Response struct {
	ID        string              `json:"id"`
	Status    int                 `json:"status"`
	Body      string              `json:"body"`
	Headers   map[string][]string `json:"headers"`
	OK        bool                `json:"ok"`
	Error     string              `json:"error,omitempty"`
	Detail    string              `json:"detail,omitempty"`
	URL       string              `json:"url,omitempty"`
	Proto     string              `json:"proto,omitempty"`
	Proxy     string              `json:"proxy,omitempty"`
	Truncated bool                `json:"truncated,omitempty"`
	Timing    *Timing             `json:"timing,omitempty"`
}

// Timing contains request timing breakdown in milliseconds
type Timing struct {
	DNSLookup    float64 `json:"dnsLookup"`    // DNS lookup time (0 = cached/reused)
	TCPConnect   float64 `json:"tcpConnect"`   // TCP connection time (0 = reused)
	TLSHandshake float64 `json:"tlsHandshake"` // TLS handshake time (0 = reused or fingerprinted)
	FirstByte    float64 `json:"firstByte"`    // Time to first response byte
	Total        float64 `json:"total"`        // Total request time
}
