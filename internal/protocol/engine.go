package protocol

import (
	"context"

	"github.com/beebs-dev/dorch-sub000/internal/engine"
	"github.com/beebs-dev/dorch-sub000/internal/engine/memory"
)

// ProtocolEngine defines the interface required by the protocol layer.
// *memory.Store satisfies it.
type ProtocolEngine interface {
	engine.Engine
	engine.StringEngine
	engine.HashEngine
	engine.ListEngine
	engine.SetEngine
	engine.Publisher

	// Atomic runs fn with keys locked; the procedure commands use it.
	Atomic(ctx context.Context, keys []string, fn func(tx *memory.Tx) error) error

	Broker() *memory.Broker
	VolatileKeys() int64
	GetStats() *memory.Stats
}

var _ ProtocolEngine = (*memory.Store)(nil)
