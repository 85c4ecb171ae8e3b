// Package transport carries JSON-RPC messages between the gateway and an
// upstream MCP server.
//
// Four transports are available:
//
//   - HTTP: one POST per message, buffered JSON or an SSE stream in reply
//   - SSE: HTTP that only accepts event-stream replies
//   - Stdio: a subprocess speaking newline-delimited JSON
//   - WebSocket: one text frame per message
//
// Every transport implements Exchange, which sends one message and reports
// whether the reply is a single buffered message or a stream of messages.
// Outbound headers are built from an allow-list; credentials presented to
// the gateway are never forwarded.
package transport
