package benchmarks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Narjhan-ng/insurance-crm/internal/crm"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/dispatch"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/guard"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/publisher"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/store"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/stream"
)

// BenchmarkDispatch_1 dispatches to a single handler.
func BenchmarkDispatch_1(b *testing.B) {
	benchmarkDispatch(b, 1)
}

// BenchmarkDispatch_5 dispatches to five handlers concurrently.
func BenchmarkDispatch_5(b *testing.B) {
	benchmarkDispatch(b, 5)
}

// BenchmarkDispatch_20 dispatches to twenty handlers concurrently.
func BenchmarkDispatch_20(b *testing.B) {
	benchmarkDispatch(b, 20)
}

// BenchmarkDispatch_Guarded dispatches one handler through the memory
// guard with a fresh key every iteration.
func BenchmarkDispatch_Guarded(b *testing.B) {
	d := mustDispatcher(1, guard.NewMemoryGuard())
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Dispatch(ctx, quoteEvent(i))
	}
}

// BenchmarkPublish_Memory publishes to the memory store and bus.
func BenchmarkPublish_Memory(b *testing.B) {
	benchmarkPublish(b, store.NewMemoryStore())
}

// BenchmarkPublish_SQLite publishes to an in-memory SQLite store.
func BenchmarkPublish_SQLite(b *testing.B) {
	s, err := store.OpenSQLiteStore(context.Background(), ":memory:")
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	benchmarkPublish(b, s)
}

// BenchmarkSchemaValidate measures payload decoding and validation.
func BenchmarkSchemaValidate(b *testing.B) {
	schemas := crm.Schemas()
	evt := quoteEvent(1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = schemas.Validate(evt)
	}
}

// BenchmarkCommissionCalculate measures commission splitting.
func BenchmarkCommissionCalculate(b *testing.B) {
	p := crm.NewPolicy(quote(1), fixedNow()).Created()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = crm.DefaultRates.Calculate(p, fixedNow())
	}
}

// Helper functions

func benchmarkDispatch(b *testing.B, handlers int) {
	d := mustDispatcher(handlers, guard.Nop{})
	ctx := context.Background()
	evt := quoteEvent(1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Dispatch(ctx, evt)
	}
}

func benchmarkPublish(b *testing.B, s store.Store) {
	pub, err := publisher.New(publisher.Config{
		Store:   s,
		Bus:     stream.NewMemoryBus(stream.WithMaxLen(1024)),
		Schemas: crm.Schemas(),
	})
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	events := make([]event.Event, b.N)
	for i := range events {
		events[i] = quoteEvent(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := pub.Publish(ctx, events[i]); err != nil {
			b.Fatal(err)
		}
	}
}

func mustDispatcher(handlers int, g guard.Guard) *dispatch.Dispatcher {
	regs := make([]dispatch.Registration, handlers)
	for i := range regs {
		regs[i] = dispatch.Register(dispatch.NewFunc(
			fmt.Sprintf("handler-%d", i),
			[]string{crm.TypeQuoteAccepted},
			dispatch.EventIDKey,
			func(context.Context, event.Event) ([]event.Event, error) { return nil, nil },
		))
	}
	d, err := dispatch.New(dispatch.Config{
		Group:    "bench",
		Registry: dispatch.MustRegistry(regs...),
		Schemas:  crm.Schemas(),
		Guard:    g,
	})
	if err != nil {
		panic(err)
	}
	return d
}

func quoteEvent(i int) event.Event {
	evt, err := event.New(crm.AggregateQuote, fmt.Sprintf("quote-%d", i), quote(i))
	if err != nil {
		panic(err)
	}
	return evt
}

func quote(i int) crm.QuoteAccepted {
	return crm.QuoteAccepted{
		QuoteID:            fmt.Sprintf("quote-%d", i),
		ProspectID:         "prospect-1",
		BrokerID:           "broker-1",
		ManagerID:          "manager-1",
		AffiliateID:        "affiliate-1",
		Provider:           "Allianz",
		InsuranceType:      "auto",
		AnnualPremiumCents: 100000,
	}
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
}
