// Package dist describes the cooperating process group a run belongs to.
//
// Replicas discover each other through the RANK, WORLD_SIZE and LOCAL_RANK
// environment variables set by the launcher. The only collective is a
// shutdown barrier, implemented as a file rendezvous in a directory every
// replica can see. The leader removes the directory once every replica has
// left the barrier.
package dist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	EnvRank          = "RANK"
	EnvWorldSize     = "WORLD_SIZE"
	EnvLocalRank     = "LOCAL_RANK"
	EnvRendezvousDir = "PCF_RENDEZVOUS_DIR"
	EnvRunID         = "PCF_RUN_ID"
)

const pollInterval = 20 * time.Millisecond

// Group is this process's view of the replica set.
type Group struct {
	Rank      int
	WorldSize int
	LocalRank int

	dir      string
	barriers int
}

// Single is the group of a process launched on its own.
func Single() *Group {
	return &Group{WorldSize: 1}
}

// FromEnv builds the group from launcher environment variables. Without
// WORLD_SIZE the process runs alone.
func FromEnv() (*Group, error) {
	ws, ok := os.LookupEnv(EnvWorldSize)
	if !ok || ws == "" {
		return Single(), nil
	}
	world, err := strconv.Atoi(ws)
	if err != nil || world < 1 {
		return nil, fmt.Errorf("invalid %s %q", EnvWorldSize, ws)
	}
	rank, err := intEnv(EnvRank)
	if err != nil {
		return nil, err
	}
	local, err := intEnv(EnvLocalRank)
	if err != nil {
		return nil, err
	}
	if rank < 0 || rank >= world {
		return nil, fmt.Errorf("%s %d outside world of %d", EnvRank, rank, world)
	}

	dir := os.Getenv(EnvRendezvousDir)
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "pcformer-rdzv-"+runID())
	}
	return &Group{Rank: rank, WorldSize: world, LocalRank: local, dir: dir}, nil
}

// runID names the default rendezvous dir. Replicas started by the same
// launcher share its pid, so an unset PCF_RUN_ID still gives each launch a
// directory of its own instead of one reused across runs.
func runID() string {
	if run := os.Getenv(EnvRunID); run != "" {
		return run
	}
	return "ppid-" + strconv.Itoa(os.Getppid())
}

func intEnv(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

// Distributed reports whether more than one replica takes part.
func (g *Group) Distributed() bool { return g.WorldSize > 1 }

// IsLeader reports whether this replica generates, scores and prints.
func (g *Group) IsLeader() bool { return g.Rank == 0 }

// Barrier blocks until every rank has reached the same barrier, or ctx ends.
//
// A round has two phases. Each rank writes an arrive marker and waits for
// all of them, then writes a depart marker and returns. Only the leader
// reads depart markers, in Destroy, so no rank ever waits on a file that
// another rank may already have removed.
func (g *Group) Barrier(ctx context.Context) error {
	if !g.Distributed() {
		return nil
	}
	g.barriers++
	round := g.barriers
	if err := os.MkdirAll(g.roundDir(round), 0o755); err != nil {
		return fmt.Errorf("rendezvous dir: %w", err)
	}
	if err := touch(g.marker(round, phaseArrive, g.Rank)); err != nil {
		return err
	}
	if err := g.waitAll(ctx, round, phaseArrive); err != nil {
		return err
	}
	return touch(g.marker(round, phaseDepart, g.Rank))
}

// Destroy tears down the rendezvous state. Non-leaders return at once. The
// leader waits until every rank has departed each round it passed, then
// removes the round directories and the run directory if it is empty.
func (g *Group) Destroy(ctx context.Context) error {
	if !g.Distributed() || !g.IsLeader() {
		return nil
	}
	for round := 1; round <= g.barriers; round++ {
		if err := g.waitAll(ctx, round, phaseDepart); err != nil {
			return err
		}
		if err := os.RemoveAll(g.roundDir(round)); err != nil {
			return err
		}
	}
	g.barriers = 0
	_ = os.Remove(g.dir)
	return nil
}

const (
	phaseArrive = "arrive"
	phaseDepart = "depart"
)

func (g *Group) waitAll(ctx context.Context, round int, phase string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		seen := 0
		for r := range g.WorldSize {
			if _, err := os.Stat(g.marker(round, phase, r)); err == nil {
				seen++
			}
		}
		if seen == g.WorldSize {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func touch(path string) error {
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return fmt.Errorf("rendezvous marker: %w", err)
	}
	return nil
}

func (g *Group) roundDir(round int) string {
	return filepath.Join(g.dir, fmt.Sprintf("round-%d", round))
}

func (g *Group) marker(round int, phase string, rank int) string {
	return filepath.Join(g.roundDir(round), fmt.Sprintf("%s.rank-%d", phase, rank))
}
