// Package observability wires logging and metrics.
//
// NewLogger builds the process zap.Logger from config.LogConfig: console or
// JSON encoding, any mix of stdout, stderr and file outputs, and optional
// lumberjack rotation for files.
//
// Prometheus collectors live in the default registry under the "sioserver"
// namespace and are registered lazily by the Record* helpers, so packages can
// record without any setup:
//
//	observability.RecordHandshake("ok")
//	observability.TransportOpened("websocket")
//	defer observability.TransportClosed("websocket")
//
// RequestLogger is a gorilla/mux middleware that stamps X-Request-ID, logs
// one line per request and feeds the HTTP request metrics.
package observability
