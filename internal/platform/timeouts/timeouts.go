// Package timeouts defines shared timeout constants used across the lobby
// service. Centralizing these values keeps the durations discoverable and
// prevents drift between transport boundaries.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// WSWrite limits how long a single websocket frame write may block on a
// peer that has stopped reading.
const WSWrite = 10 * time.Second
