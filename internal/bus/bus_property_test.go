package bus

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"pgregory.net/rapid"

	"yqhp/coordinator/internal/audit"
	"yqhp/coordinator/internal/config"
	"yqhp/coordinator/internal/store"
	"yqhp/coordinator/pkg/types"
)

// Property: publishing the same notification signature any number of times
// inside the dedup window delivers exactly one envelope, carrying the
// number of suppressed duplicates.
func TestDedupDeliversExactlyOnceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		dups := rapid.IntRange(1, 8).Draw(t, "dups")
		source := rapid.SampledFrom([]string{"sched", "pool", "slo"}).Draw(t, "source")
		event := rapid.SampledFrom([]types.EventType{
			types.EventCancellation,
			types.EventLeaseExpired,
			types.EventSLOViolation,
		}).Draw(t, "event")

		cfg := config.DefaultConfig().Bus
		cfg.AggregationWindow = 0
		b := New(cfg, store.NewMemory(), audit.NopRecorder{}, zap.NewNop())
		defer b.Stop()

		delivered := make(chan *types.Envelope, 16)
		b.Subscribe(types.TargetRecovery, func(env *types.Envelope) error {
			delivered <- env
			return nil
		})

		var first *types.Envelope
		for i := 0; i < dups; i++ {
			env, err := types.NewEnvelope(source, types.TargetRecovery, event, types.Cancellation{Reason: "r"})
			if err != nil {
				t.Fatalf("build envelope: %v", err)
			}
			if i == 0 {
				first = env
			}
			if err := b.Publish(context.Background(), env); err != nil {
				t.Fatalf("publish %d: %v", i, err)
			}
		}

		select {
		case got := <-delivered:
			if got.ID != first.ID {
				t.Fatalf("delivered %s, want first %s", got.ID, first.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("nothing delivered")
		}

		select {
		case got := <-delivered:
			t.Fatalf("second delivery %s for %d duplicates", got.ID, dups)
		case <-time.After(20 * time.Millisecond):
		}

		if first.SuppressedCount != dups-1 {
			t.Fatalf("suppressed count %d, want %d", first.SuppressedCount, dups-1)
		}
	})
}

// Property: any permutation of a sequenced lineage is delivered in
// sequence order once the lineage completes.
func TestSequenceRestoresOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(t, "length")
		perm := rapid.Permutation(seqRange(n)).Draw(t, "perm")

		cfg := config.DefaultConfig().Bus
		cfg.AggregationWindow = 0
		cfg.ReorderWindow = 5 * time.Second
		b := New(cfg, store.NewMemory(), audit.NopRecorder{}, zap.NewNop())
		defer b.Stop()

		delivered := make(chan *types.Envelope, 16)
		b.Subscribe("worker.echo", func(env *types.Envelope) error {
			delivered <- env
			return nil
		})

		for _, seq := range perm {
			env, err := types.NewEnvelope("workflow", "worker.echo", types.EventStepRequest, types.StepRequest{StepName: "s"})
			if err != nil {
				t.Fatalf("build envelope: %v", err)
			}
			env.CorrelationID = "lineage"
			env.Sequence = seq
			if err := b.Publish(context.Background(), env); err != nil {
				t.Fatalf("publish seq %d: %v", seq, err)
			}
		}

		for want := uint64(1); want <= uint64(n); want++ {
			select {
			case got := <-delivered:
				if got.Sequence != want {
					t.Fatalf("delivered sequence %d, want %d", got.Sequence, want)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("sequence %d never delivered", want)
			}
		}
	})
}

func seqRange(n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = uint64(i + 1)
	}
	return out
}
