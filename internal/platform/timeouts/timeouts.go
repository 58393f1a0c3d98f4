// Package timeouts defines shared timeout constants used across services.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long a server waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second

// DeliveryAttempt caps one channel provider call made by the worker.
const DeliveryAttempt = 10 * time.Second

// CacheOperation caps one shared-cache round trip.
const CacheOperation = 500 * time.Millisecond

// WebsocketWrite caps one websocket frame write.
const WebsocketWrite = 5 * time.Second

// HealthProbe caps one gRPC health check against a dependency.
const HealthProbe = time.Second
