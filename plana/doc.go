// Package plana implements a Discord bot whose conversation engine decides,
// per incoming message, whether the bot should take part in the conversation,
// assembles a bounded conversational memory scoped to a configurable
// granularity (guild, category, or channel), and drives an OpenAI chat
// completion with tool calling to produce a reply.
//
// Key components of the package include:
//
//   - Plana: The main struct tying the bot's components together.
//   - Engine: The conversation orchestrator - scope resolution, engage
//     decisions, the model/tool round loop, persistence, and event publishing.
//   - MemoryStore: Bounded, evictable conversation memory, persisted via GORM
//     and shared between bot instances.
//   - EngagePolicy: Decides when the bot speaks without being mentioned.
//   - ToolDispatcher: Registry of model-callable tools with JSON-schema
//     validated arguments.
//   - EventBus: Cross-instance change notifications (pg_notify on postgres,
//     in-process on sqlite).
//   - Discord: Gateway integration and message transport.
//   - OpenAI: Chat completion backend with rate limiting and retries.
//
// The bot stores per-guild AI settings (engage mode and rate, memory
// granularity and caps, system prompt, channel/user filters) in the database,
// cached with a TTL and refreshed across instances via the event bus. A small
// gin-based management API exposes those settings and a memory-clear
// operation.
//
// The package is designed so the conversation engine never depends on the
// Discord transport directly: the gateway layer converts messages into a
// MessageContext, and the engine returns plain reply text.
package plana
