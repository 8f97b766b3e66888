package worker

import (
	"context"
	"testing"

	"github.com/caldera-sim/simforge/internal/scheduler"
)

func TestHostRingAssignmentIsStable(t *testing.T) {
	ring, err := NewHostRing([]string{"cluster-a", "cluster-b", "cluster-c"})
	if err != nil {
		t.Fatal(err)
	}
	first := ring.AssignHost("w0")
	for i := 0; i < 5; i++ {
		if got := ring.AssignHost("w0"); got != first {
			t.Fatalf("AssignHost(w0) changed across calls: %s -> %s", first, got)
		}
	}
}

func TestHostRingRemoveReassignsOnlyAffectedSubWorkers(t *testing.T) {
	ring, err := NewHostRing([]string{"cluster-a", "cluster-b", "cluster-c"})
	if err != nil {
		t.Fatal(err)
	}
	subWorkers := []string{"w0", "w1", "w2", "w3", "w4", "w5"}
	before := make(map[string]string, len(subWorkers))
	for _, id := range subWorkers {
		before[id] = ring.AssignHost(id)
	}

	var removed string
	for _, id := range subWorkers {
		if before[id] != "" {
			removed = before[id]
			break
		}
	}
	ring.RemoveHost(removed)

	for _, id := range subWorkers {
		after := ring.AssignHost(id)
		if before[id] == removed {
			if after == removed {
				t.Fatalf("%s still assigned to removed host %s", id, removed)
			}
			continue
		}
		if after != before[id] {
			t.Fatalf("%s was reassigned from %s to %s despite its host surviving removal", id, before[id], after)
		}
	}
}

func TestCartesianBroadcastBuildsOneSubtreePerVariant(t *testing.T) {
	ctx := context.Background()
	sch, err := scheduler.New(ctx, scheduler.Config{Kind: "local"})
	if err != nil {
		t.Fatal(err)
	}
	ring, err := NewHostRing([]string{"cluster-a", "cluster-b"})
	if err != nil {
		t.Fatal(err)
	}
	variants := []Variant{
		{Potential: "lj", DriverKind: "fake-spc", Setting: testSetting()},
		{Potential: "eam", DriverKind: "fake-spc", Setting: testSetting()},
	}
	subs, err := CartesianBroadcast(t.TempDir(), variants, sch, 2, ring, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 sub-workers, got %d", len(subs))
	}
	wantIDs := map[string]bool{"w0": true, "w1": true}
	for _, s := range subs {
		if !wantIDs[s.ID] {
			t.Fatalf("unexpected sub-worker id %s", s.ID)
		}
		if s.Worker == nil {
			t.Fatalf("%s: nil Worker", s.ID)
		}
		if s.Host == "" {
			t.Fatalf("%s: empty host assignment", s.ID)
		}
	}
	if subs[0].Worker.Dir == subs[1].Worker.Dir {
		t.Fatalf("expected distinct output subtrees, both got %s", subs[0].Worker.Dir)
	}
}
