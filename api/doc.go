// Package api provides the HTTP routing for the realtime server.
//
// Realtime endpoints, under the configured resource (default /socket.io):
//   - GET  {resource}                                  - "Welcome to socket.io."
//   - GET  {resource}/{protocol}/                      - Handshake
//   - GET  {resource}/{protocol}/websocket/{id}        - WebSocket upgrade
//   - GET  {resource}/{protocol}/xhr-polling/{id}      - Long poll for packets
//   - POST {resource}/{protocol}/xhr-polling/{id}      - Send packets
//   - GET|POST {resource}/{protocol}/jsonp-polling/{id} - JSONP variant
//
// Any transport URL accepts ?disconnect to end the session.
//
// Admin endpoints:
//   - GET    /api/health        - Liveness and session count
//   - GET    /api/sessions      - List connected sessions
//   - GET    /api/sessions/{id} - Get one session
//   - DELETE /api/sessions/{id} - Disconnect a session
//   - GET    /metrics           - Prometheus metrics
//
// Every request passes through the request logging middleware, which tags it
// with an X-Request-ID.
package api
