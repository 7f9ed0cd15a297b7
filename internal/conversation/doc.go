// Package conversation provides the conversation log and the service that
// handles inbound messages.
//
// # Log
//
// Log is the append-only record of every message exchanged, partitioned by
// conversation id. It keeps the whole log in memory and writes each
// conversation through a store.KV before the change becomes visible:
//
//	kv, _ := store.Open(store.Options{Backend: "json", Path: "message_store.json"}, logger)
//	log := conversation.NewLog(kv, broadcaster, logger)
//	log.Load(ctx) // never fails; unreadable state starts empty
//
// A failed write returns an error wrapping ErrPersist and leaves the log as
// it was, so the caller can retry.
//
// # Service
//
// Service.Handle takes one SayRequest:
//
//  1. "_restart" clears the conversation and returns immediately
//  2. The inbound message is logged under the conversation id
//  3. The processor runs with either a buffering Collector (batch) or a
//     relay.Relay (stream)
//  4. Every reply is logged under "bot" with the reply's recipient id as uuid
//
// In stream mode replies are logged as they are produced, with a context
// detached from the request so a disconnecting client does not lose history.
//
// # Broadcaster
//
// Broadcaster fans appended records out to live subscribers of a
// conversation. It backs the tail endpoint.
package conversation
