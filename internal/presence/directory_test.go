package presence

import (
	"sync"
	"testing"
)

func TestDirectory_LastConnectionRemovesIdentity(t *testing.T) {
	d := NewDirectory()
	rel1, first := d.Register("agent-1", "c1")
	if !first {
		t.Fatalf("first connection should bring the agent online")
	}
	rel2, first := d.Register("agent-1", "c2")
	if first {
		t.Fatalf("second connection is not first")
	}

	if rel1() {
		t.Fatalf("agent still has c2")
	}
	if rel1() {
		t.Fatalf("release must be idempotent")
	}
	if !d.Present("agent-1") {
		t.Fatalf("expected agent present")
	}
	if !rel2() {
		t.Fatalf("expected last release to report offline")
	}
	if d.Present("agent-1") || len(d.All()) != 0 {
		t.Fatalf("expected entry removed")
	}
}

func TestDirectory_BusyAgentsAreNotAvailable(t *testing.T) {
	d := NewDirectory()
	d.Register("a", "c1")
	d.Register("b", "c2")

	if !d.MarkBusy("a", "s1") {
		t.Fatalf("mark busy")
	}
	if d.MarkBusy("a", "s2") {
		t.Fatalf("agent busy with s1 must not take s2")
	}
	if got := d.AvailableAgents(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected only b available, got %v", got)
	}

	d.MarkFree("a", "other")
	if d.Available("a") {
		t.Fatalf("freeing a different session must not clear busy")
	}
	d.MarkFree("a", "s1")
	if !d.Available("a") {
		t.Fatalf("expected a available again")
	}
	if d.MarkBusy("ghost", "s3") {
		t.Fatalf("offline agent cannot be marked busy")
	}
}

func TestDirectory_ConcurrentRegisterRelease(t *testing.T) {
	d := NewDirectory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rel, _ := d.Register("agent", string(rune('A'+i)))
			rel()
		}(i)
	}
	wg.Wait()
	if d.Present("agent") {
		t.Fatalf("all connections released, agent must be gone")
	}
}
