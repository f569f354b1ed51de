package apps

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"notivox/internal/storage"
	"notivox/pkg/logx"
)

func TestWriteBehindStopUnderLoad(t *testing.T) {
	// Mutations racing shutdown must degrade to dropped writes, never panic.
	for i := 0; i < 50; i++ {
		w := newWriteBehind(storage.NewMemory(), logx.Nop())
		w.Start(context.Background())

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					pkg := fmt.Sprintf("org.example.app%d.%d", g, j)
					w.Enqueue("upsert", func(ctx context.Context, s storage.Store) error {
						return s.UpsertApp(ctx, storage.AppRecord{Package: pkg, Label: pkg})
					})
				}
			}(g)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		w.Stop(ctx)
		cancel()
		wg.Wait()
	}
}

func TestWriteBehindStopDrainsQueue(t *testing.T) {
	store := storage.NewMemory()
	w := newWriteBehind(store, logx.Nop())
	w.Start(context.Background())

	for i := 0; i < 10; i++ {
		pkg := fmt.Sprintf("org.example.app%d", i)
		w.Enqueue("upsert", func(ctx context.Context, s storage.Store) error {
			return s.UpsertApp(ctx, storage.AppRecord{Package: pkg, Label: pkg})
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.Stop(ctx)

	recs, err := store.LoadApps(context.Background())
	if err != nil {
		t.Fatalf("LoadApps: %v", err)
	}
	if len(recs) != 10 {
		t.Fatalf("expected 10 drained writes, got %d", len(recs))
	}

	// Writes after Stop are dropped, not sent.
	w.Enqueue("late", func(ctx context.Context, s storage.Store) error {
		return s.UpsertApp(ctx, storage.AppRecord{Package: "org.example.late"})
	})
}

func TestWriteBehindRestartAfterStop(t *testing.T) {
	store := storage.NewMemory()
	w := newWriteBehind(store, logx.Nop())

	for round := 0; round < 2; round++ {
		w.Start(context.Background())
		pkg := fmt.Sprintf("org.example.round%d", round)
		w.Enqueue("upsert", func(ctx context.Context, s storage.Store) error {
			return s.UpsertApp(ctx, storage.AppRecord{Package: pkg, Label: pkg})
		})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		w.Stop(ctx)
		cancel()
	}

	recs, err := store.LoadApps(context.Background())
	if err != nil {
		t.Fatalf("LoadApps: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected both rounds persisted, got %d", len(recs))
	}
}
