// Package gateway runs the relay-gateway servers.
//
// # Overview
//
// Gateway owns every long-lived component: the conversation log and its
// store, the conversation service, the tail broadcaster, the dedupe cache,
// and the HTTP and gRPC servers. New wires them from a config.Config and
// loads the log; Run serves until its context is cancelled.
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx)
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET / - Component marker
//   - GET /conversations/{id}/log - Every logged record
//   - GET /conversations/{id}/say?message=&uuid=&stream= - Send a message
//   - GET /conversations/{id}/tail - Records as they are logged
//
// Batch say returns a JSON array of replies. With stream=true the reply
// is text/event-stream carrying one JSON reply per line, flushed as each
// one is produced; a processor failure ends the stream with an
// {"error": ...} line. A failed save answers 503 with Retry-After.
//
// # gRPC
//
// When server.grpc_addr is set (or tailscale is enabled) a gRPC server
// exposes grpc.health.v1.Health. It reports SERVING once listeners are up
// and NOT_SERVING from the start of Shutdown.
//
// # Shutdown
//
// Shutdown closes the broadcaster first so tail streams end, then drains
// HTTP and gRPC, stops tailscale, and closes the store.
package gateway
