package emit

import "context"

// NullEmitter discards every event. Default for `cylc play --no-detach`
// runs where nothing downstream consumes task events.
type NullEmitter struct{}

func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

func (n *NullEmitter) Emit(Event) {}

func (n *NullEmitter) EmitBatch(_ context.Context, _ []Event) error { return nil }

func (n *NullEmitter) Flush(_ context.Context) error { return nil }
