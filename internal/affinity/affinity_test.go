package affinity

import "testing"

func TestIdealOwnersDeterministic(t *testing.T) {
	f := New(2)
	nodes := []string{"A", "B", "C", "D"}
	a := f.IdealOwners("g0", 5, nodes)
	b := f.IdealOwners("g0", 5, nodes)
	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("expected 2 owners, got %v and %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected deterministic ordering, got %v vs %v", a, b)
		}
	}
}

func TestIdealOwnersStableUnderUnrelatedNodeAdd(t *testing.T) {
	f := New(2)
	before := f.IdealOwners("g0", 5, []string{"A", "B", "C"})
	after := f.IdealOwners("g0", 5, []string{"A", "B", "C", "D"})
	// Rendezvous hashing: removing/adding one node only ever displaces an
	// assignment if the new node outscores an existing owner; it never
	// reorders the surviving owners relative to each other.
	survivors := 0
	for _, n := range before {
		for _, m := range after {
			if n == m {
				survivors++
			}
		}
	}
	if survivors == 0 {
		t.Fatalf("expected at least one stable owner across before=%v after=%v", before, after)
	}
}

func TestIdealOwnersReplicasCappedAtNodeCount(t *testing.T) {
	f := New(5)
	got := f.IdealOwners("g0", 1, []string{"A", "B"})
	if len(got) != 2 {
		t.Fatalf("expected replicas capped at 2 nodes, got %v", got)
	}
}

func TestOnServerLeftDefaultsToCentralized(t *testing.T) {
	f := New(2)
	if !f.OnServerLeft("A") {
		t.Fatal("expected late-assignment default to report centralized affinity")
	}
}

func TestDiffOnlyReportsChangedPartitions(t *testing.T) {
	before := map[int][]string{0: {"A", "B"}, 1: {"B", "C"}}
	after := map[int][]string{0: {"A", "B"}, 1: {"C", "B"}}
	diff := Diff(before, after)
	if _, ok := diff[0]; ok {
		t.Fatal("partition 0 did not change and should not appear in the diff")
	}
	if owners, ok := diff[1]; !ok || owners[0] != "C" {
		t.Fatalf("expected partition 1 in diff with new primary C, got %v", diff)
	}
}
