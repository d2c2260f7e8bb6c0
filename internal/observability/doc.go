// Package observability provides the structured logger, the audit log and
// OpenTelemetry tracing shared by the search engine's components.
//
// Operational logs and audit events are separate streams. Operational logs
// are leveled and meant for operators; audit events record one entry per
// search attempt, success or failure, and never carry embedding vectors or
// result content.
package observability
