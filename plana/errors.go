package plana

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateTool is returned by [ToolDispatcher.Register] when a tool
	// with the same name has already been registered.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrScopeNotFound is returned when a scope has no stored state.
	ErrScopeNotFound = errors.New("scope not found")
)

// ConfigurationError indicates a scope/granularity configuration that can't
// be applied to a message's origin. Scope resolution falls back to a coarser
// granularity where possible; this error is only returned when no fallback
// exists (e.g. a message with no guild).
type ConfigurationError struct {
	Granularity Granularity
	Detail      string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf(
		"configuration error (granularity=%s): %s",
		e.Granularity,
		e.Detail,
	)
}

// ValidationError indicates model-supplied tool arguments that failed schema
// validation. The message is round-tripped back to the model as the tool
// result, so it can self-correct on the next round.
type ValidationError struct {
	Tool   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %s", e.Tool, e.Detail)
}

// ToolExecutionError indicates a tool handler fault (error return, panic, or
// timeout). It's recorded on the [ToolInvocation] and never propagated out of
// the dispatcher.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// BackendUnavailableError indicates the model API was unreachable or
// rate-limited after exhausting the configured retries.
type BackendUnavailableError struct {
	Attempts int
	Err      error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf(
		"model backend unavailable after %d attempt(s): %v",
		e.Attempts,
		e.Err,
	)
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Err
}

// StoreUnavailableError indicates the backing store couldn't be reached.
// Reads degrade to empty memory; writes are dropped after retries, trading
// durability for availability.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("memory store unavailable (%s): %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}
