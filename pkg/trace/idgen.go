// Trace and span identifier generation
// Random by default, deterministic under test via a seeded source
package trace

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"sync"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// IDGenerator produces trace and span identifiers. Implementations must be
// safe for concurrent use and must never return all-zero identifiers.
type IDGenerator interface {
	// NewIDs returns identifiers for a new root span.
	NewIDs(ctx context.Context) (oteltrace.TraceID, oteltrace.SpanID)
	// NewSpanID returns an identifier for a child span within traceID.
	NewSpanID(ctx context.Context, traceID oteltrace.TraceID) oteltrace.SpanID
}

type randomIDGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomIDGenerator returns the default generator seeded from the
// process-global random source.
func NewRandomIDGenerator() IDGenerator {
	return &randomIDGenerator{
		rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), //nolint:gosec // span identity, not security-sensitive
	}
}

// NewSeededIDGenerator returns a generator with a fixed seed so tests get
// reproducible identifiers.
func NewSeededIDGenerator(seed uint64) IDGenerator {
	return &randomIDGenerator{
		rng: rand.New(rand.NewPCG(seed, 0)), //nolint:gosec // deterministic test identity
	}
}

func (g *randomIDGenerator) NewIDs(_ context.Context) (oteltrace.TraceID, oteltrace.SpanID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var tid oteltrace.TraceID
	for !tid.IsValid() {
		binary.LittleEndian.PutUint64(tid[:8], g.rng.Uint64())
		binary.LittleEndian.PutUint64(tid[8:], g.rng.Uint64())
	}
	return tid, g.newSpanIDLocked()
}

func (g *randomIDGenerator) NewSpanID(_ context.Context, _ oteltrace.TraceID) oteltrace.SpanID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.newSpanIDLocked()
}

func (g *randomIDGenerator) newSpanIDLocked() oteltrace.SpanID {
	var sid oteltrace.SpanID
	for !sid.IsValid() {
		binary.LittleEndian.PutUint64(sid[:], g.rng.Uint64())
	}
	return sid
}
