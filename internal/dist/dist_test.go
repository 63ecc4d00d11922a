package dist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestFromEnvSingleProcess(t *testing.T) {
	t.Setenv(EnvWorldSize, "")
	g, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if g.Distributed() || !g.IsLeader() {
		t.Fatalf("group = %+v", g)
	}
	if err := g.Barrier(context.Background()); err != nil {
		t.Fatalf("single barrier: %v", err)
	}
	if err := g.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestFromEnvReadsLauncherVars(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvWorldSize, "4")
	t.Setenv(EnvRank, "2")
	t.Setenv(EnvLocalRank, "0")
	t.Setenv(EnvRendezvousDir, dir)
	g, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if g.Rank != 2 || g.WorldSize != 4 || g.LocalRank != 0 || g.IsLeader() || g.dir != dir {
		t.Fatalf("group = %+v", g)
	}
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		name, world, rank string
	}{
		{"bad world", "zero", "0"},
		{"rank outside world", "2", "2"},
		{"bad rank", "2", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvWorldSize, tt.world)
			t.Setenv(EnvRank, tt.rank)
			if _, err := FromEnv(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestBarrierThenDestroyEveryRank(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "rdzv")
	const world = 3

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, world)
	for r := range world {
		wg.Go(func() {
			g := &Group{Rank: r, WorldSize: world, dir: dir}
			// Later ranks arrive last and tear down immediately.
			time.Sleep(time.Duration(r) * 15 * time.Millisecond)
			if err := g.Barrier(ctx); err != nil {
				errs[r] = err
				return
			}
			errs[r] = g.Destroy(ctx)
		})
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("rendezvous dir should be removed by the leader, stat err = %v", err)
	}
}

func TestBarrierRepeatedRounds(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	const world = 2

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, world)
	for r := range world {
		wg.Go(func() {
			g := &Group{Rank: r, WorldSize: world, dir: dir}
			for range 3 {
				if err := g.Barrier(ctx); err != nil {
					errs[r] = err
					return
				}
			}
			errs[r] = g.Destroy(ctx)
		})
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
	}
	left, _ := filepath.Glob(filepath.Join(dir, "round-*"))
	if len(left) != 0 {
		t.Fatalf("rounds left behind: %v", left)
	}
}

func TestDefaultRendezvousDirIsPerLaunch(t *testing.T) {
	t.Setenv(EnvWorldSize, "2")
	t.Setenv(EnvRank, "1")
	t.Setenv(EnvRendezvousDir, "")
	t.Setenv(EnvRunID, "")
	g, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if want := "pcformer-rdzv-ppid-" + strconv.Itoa(os.Getppid()); filepath.Base(g.dir) != want {
		t.Fatalf("dir = %q, want base %q", g.dir, want)
	}

	t.Setenv(EnvRunID, "exp7")
	if g, _ = FromEnv(); filepath.Base(g.dir) != "pcformer-rdzv-exp7" {
		t.Fatalf("run id not used: %q", g.dir)
	}
}

func TestBarrierHonoursContext(t *testing.T) {
	t.Parallel()
	g := &Group{Rank: 0, WorldSize: 2, dir: t.TempDir()}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := g.Barrier(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if _, err := os.Stat(g.marker(1, phaseArrive, 0)); err != nil {
		t.Fatalf("own marker missing: %v", err)
	}
	if _, err := os.Stat(g.marker(1, phaseDepart, 0)); !os.IsNotExist(err) {
		t.Fatalf("rank departed a barrier it never passed: %v", err)
	}
}
