// Package mcp exposes the server's admin API as Model Context Protocol tools.
//
// The client is a thin proxy: every tool issues a request against the admin
// REST endpoints (/api/health, /api/sessions, ...) of a running server, so
// the same tools work in-process behind the /mcp endpoint and from a
// separate process over stdio.
//
// Tools:
//   - server_health: status, uptime and session count
//   - list_sessions: connected sessions
//   - get_session: one session's transport, address and timestamps
//   - send_message: send a text or JSON message to a session
//   - emit_event: emit a named event with JSON arguments
//   - disconnect_session: disconnect a session
//
// Usage:
//
//	client := mcp.NewClient("http://localhost:8080", "1.0.0")
//	server.ServeStdio(client.GetMCPServer())
package mcp
