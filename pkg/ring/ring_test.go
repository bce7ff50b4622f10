package ring

import (
	"math"
	"testing"

	"github.com/ryandielhenn/zephyrcluster/pkg/cluster"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

func member(id string, port int) cluster.Member {
	return cluster.Member{ID: id, Address: transport.NewAddress("10.0.0.1", port)}
}

func threeMembers() *Ring {
	r := New(128, FNV32a)
	r.Add(member("n1", 7001))
	r.Add(member("n2", 7002))
	r.Add(member("n3", 7003))
	return r
}

func TestAddMemberLookup(t *testing.T) {
	r := threeMembers()

	for id, port := range map[string]int{"n1": 7001, "n2": 7002, "n3": 7003} {
		m, ok := r.Member(id)
		if !ok || m.Address.Port != port {
			t.Fatalf("Member(%s) = (%v,%v), want port %d", id, m, ok, port)
		}
	}

	for _, k := range [][]byte{[]byte("foo"), []byte("bar"), []byte("baz")} {
		m1, ok := r.Lookup(k)
		if !ok {
			t.Fatalf("Lookup(%q) found no owner", k)
		}
		m2, _ := r.Lookup(k)
		if m1 != m2 {
			t.Fatalf("Lookup(%q) not stable: %v != %v", k, m1, m2)
		}
	}
}

func TestAddTwiceIsNoop(t *testing.T) {
	r := New(8, FNV32a)
	if !r.Add(member("n1", 1)) {
		t.Fatal("first Add reported existing member")
	}
	if r.Add(member("n1", 1)) {
		t.Fatal("second Add reported a new member")
	}
	if got := len(r.points); got != 8 {
		t.Fatalf("points = %d, want 8", got)
	}
}

func TestLookupEmptyRing(t *testing.T) {
	r := New(0, nil)
	if _, ok := r.Lookup([]byte("k")); ok {
		t.Fatal("Lookup on empty ring found an owner")
	}
	if got := r.LookupN([]byte("k"), 3); got != nil {
		t.Fatalf("LookupN on empty ring = %v", got)
	}
}

func TestRemoveAffectsLookup(t *testing.T) {
	r := threeMembers()

	key := []byte("hot-key-123")
	before, _ := r.Lookup(key)
	r.Remove(before.ID)
	after, ok := r.Lookup(key)
	if !ok || after.ID == before.ID {
		t.Fatalf("Lookup did not change after removing %s: got %v", before.ID, after)
	}
}

func TestDistributionRoughlyBalanced(t *testing.T) {
	r := threeMembers()

	const N = 6000
	counts := map[string]int{}
	for i := range N {
		m, _ := r.Lookup([]byte{byte(i >> 24), byte(i >> 16), byte(i >> 8), byte(i)})
		counts[m.ID]++
	}
	ideal := float64(N) / 3.0
	for id, c := range counts {
		if c == 0 {
			t.Fatalf("member %s got zero keys", id)
		}
		if diff := math.Abs(float64(c)-ideal) / ideal; diff > 1.0 {
			t.Fatalf("distribution too skewed: member %s has %d (ideal %.1f)", id, c, ideal)
		}
	}
}

func TestRemoveNonExistentMember(t *testing.T) {
	r := New(128, FNV32a)
	r.Add(member("n1", 1))
	r.Add(member("n2", 2))

	if r.Remove("non-existent") {
		t.Fatal("Remove reported removing an unknown member")
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	r.Remove("n1")
	if r.Remove("n1") {
		t.Fatal("second Remove reported success")
	}
}

func TestMembersReturnsCopy(t *testing.T) {
	r := New(128, FNV32a)
	r.Add(member("n1", 1))

	ms := r.Members()
	ms["n3"] = member("n3", 3)
	if _, ok := r.Members()["n3"]; ok {
		t.Fatal("Members() returned a reference, not a copy")
	}
}

func TestRemoveOnlyAffectsTargetMember(t *testing.T) {
	r := threeMembers()

	keys := [][]byte{[]byte("key1"), []byte("key2"), []byte("key3"), []byte("key4")}
	before := make(map[string]string)
	for _, k := range keys {
		m, _ := r.Lookup(k)
		before[string(k)] = m.ID
	}

	r.Remove("n2")

	for _, k := range keys {
		after, _ := r.Lookup(k)
		if b := before[string(k)]; b != "n2" && after.ID != b {
			t.Fatalf("key %q moved from %s to %s", k, b, after.ID)
		}
	}
}

func TestLookupNDistinct(t *testing.T) {
	r := threeMembers()

	got := r.LookupN([]byte("key"), 5)
	if len(got) != 3 {
		t.Fatalf("LookupN = %d members, want 3", len(got))
	}
	owner, _ := r.Lookup([]byte("key"))
	if got[0] != owner {
		t.Fatalf("LookupN first = %v, want owner %v", got[0], owner)
	}
	seen := map[string]bool{}
	for _, m := range got {
		if seen[m.ID] {
			t.Fatalf("duplicate member %s in %v", m.ID, got)
		}
		seen[m.ID] = true
	}
}

func TestResetReplacesContent(t *testing.T) {
	r := threeMembers()
	r.Reset([]cluster.Member{member("x", 1)})

	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	m, ok := r.Lookup([]byte("anything"))
	if !ok || m.ID != "x" {
		t.Fatalf("Lookup = (%v,%v), want x", m, ok)
	}
}
