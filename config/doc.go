// Package config holds the server configuration.
//
// Default returns the protocol defaults: 25s heartbeat interval, 60s
// heartbeat and close timeouts, 20s polling duration, a 100MB buffer cap,
// 30s handshake expiration and the websocket and xhr-polling transports.
//
// Load layers three sources on top of the defaults, lowest precedence first:
//   - a sioserver.yaml (or .toml, .json) file in ".", "./configs" or
//     "~/.sioserver", or the file named by the path argument or SIO_CONFIG
//   - environment variables prefixed SIO_, nested keys joined with "_"
//   - nothing else; CLI flags are applied by the caller afterwards
//
// Example file:
//
//	resource: /socket.io
//	heartbeat_interval: 25s
//	transports: [websocket, xhr-polling, jsonp-polling]
//	store:
//	  backend: redis
//	  redis:
//	    addr: localhost:6379
//	    codec: cbor
//	log:
//	  level: debug
//	  format: json
//
// Validation:
//
// Validate reports every problem at once: non-positive timeouts, a heartbeat
// interval not shorter than the heartbeat timeout, unknown transports or
// store backends and bad log levels. It also normalizes the resource path
// and fills empty log settings.
package config
