// Package mcp is a client for remote MCP (Model Context Protocol)
// servers reached over streamable HTTP. Servers are the secondary tool
// provider: any tool name the dispatcher does not know is looked up
// here and invoked with tools/call.
//
// Only the client side of the protocol is implemented, and only the
// tools capability.
package mcp
