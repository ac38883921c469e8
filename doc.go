// Package dialogdriver implements the concurrency and orchestration core of a
// multi-agent LLM runtime: a per-dialog generation loop, a hierarchical
// dialog graph of root dialogs and subdialogs, a backend driver that
// schedules drives across root dialogs, persistence-backed suspension and
// revival, context-health remediation, Diligence Push auto-continuation, and
// Fresh-Boots-Reasoning self-tellask policy.
//
// The package consumes its surrounding application — configuration storage,
// the LLM provider's wire protocol, UI transport, and concrete tools —
// through narrow interfaces (Persistence, Generator, MindsLoader, Tool,
// EventBus) rather than owning any of them.
package dialogdriver
