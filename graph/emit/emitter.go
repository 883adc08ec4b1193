// Package emit provides pluggable observability for thread execution.
package emit

// Emitter receives and processes observability events from thread
// execution.
//
// Emitters enable pluggable observability backends: logging (stdout,
// files), distributed tracing (OpenTelemetry), or in-memory capture for
// tests and debugging.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down thread execution
//   - Thread-safe: may be called concurrently from parallel branches
//   - Resilient: handle backend failures without crashing the workflow
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	// Emit must not panic; backend errors should be handled internally.
	Emit(event Event)
}
