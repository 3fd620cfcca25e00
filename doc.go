// Package bitpart is a multi-tenant conversational-bot runtime engine.
//
// Operators publish versioned bot programs; end-users interact with those
// bots through messaging channels. The engine advances each user's
// conversation one interaction at a time, remembering per-user state across
// requests, with at most one open conversation per (bot, channel, user)
// triple and correct resumption across process restarts.
//
// # Quick Start
//
// Compose an engine from a Store, an Interpreter, and options:
//
//	st := sqlite.New("bitpart.db")
//	eng := bitpart.New(st, csml.New(),
//		bitpart.WithLogger(slog.Default()),
//	)
//	reply, err := eng.StartConversation(ctx, req)
//
// # Core Contracts
//
// The root package defines the contracts that all components implement:
//
//   - [Store] — durable repository for bots, conversations, memories,
//     messages, and engine state
//   - [Interpreter] — the bot-language runtime (validate, interpret,
//     step extraction)
//   - [Tracer] / [Metrics] — optional observability hooks
//
// # Included Implementations
//
// Storage: store/sqlite (local, pure Go), store/postgres (pgx pool).
// Interpreter: csml (compact reference interpreter of the step language).
// Observability: observer (OpenTelemetry traces, metrics, logs).
// Surface: api (HTTP admin and runtime adapter), cmd/bitpart (server binary).
package bitpart
