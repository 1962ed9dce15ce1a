// Package mcp provides the wire envelope, the internal message set and the
// codec translating between them.
package mcp

// ProtocolVersion is the protocol revision reported in initialize replies.
const ProtocolVersion = "2024-11-05"

// Tool describes a remotely invokable operation.
// It is returned by tools/list and by the HTTP /operations route.
type Tool struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	InputSchema  map[string]interface{} `json:"inputSchema"`
	OutputSchema map[string]interface{} `json:"outputSchema,omitempty"`
	Annotations  map[string]interface{} `json:"annotations,omitempty"`
}

// ServerInfo identifies the server in initialize replies.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientInfo identifies the peer in initialize requests.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the params object of an initialize request.
type InitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion,omitempty"`
	ClientInfo      ClientInfo             `json:"clientInfo"`
	Capabilities    map[string]interface{} `json:"capabilities,omitempty"`
}

// InitializeResult is the result object of an initialize reply.
type InitializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	ServerInfo      ServerInfo             `json:"serverInfo"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	Instructions    string                 `json:"instructions,omitempty"`
}

// ListToolsResult is the result object of a tools/list reply.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// Content is a single content block of a tools/call result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult is the result object of a tools/call reply.
// StructuredContent carries the raw operation output next to its text rendering.
type CallToolResult struct {
	Content           []Content   `json:"content"`
	StructuredContent interface{} `json:"structuredContent,omitempty"`
	IsError           bool        `json:"isError,omitempty"`
}
