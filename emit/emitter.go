package emit

import "context"

// Emitter receives task-lifecycle events from the main loop. Ported
// from graph/emit.Emitter; implementations must not block a tick.
type Emitter interface {
	Emit(event Event)
	EmitBatch(ctx context.Context, events []Event) error
	Flush(ctx context.Context) error
}
