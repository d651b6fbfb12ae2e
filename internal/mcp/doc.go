// Package mcp exposes the prompt engine over the Model Context Protocol.
//
// Two tools are registered with the MCP SDK
// (github.com/modelcontextprotocol/go-sdk/mcp):
//
//	prompt_engine    runs a command or continues a chain
//	system_control   reads and changes framework, gate and session state
//
// The server runs on stdio for local clients or is mounted as a streamable
// HTTP handler by internal/http.
package mcp
