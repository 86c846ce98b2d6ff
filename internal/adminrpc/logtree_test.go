package adminrpc

import "testing"

func TestSetGroupsRejectsOverlappingRanges(t *testing.T) {
	lt := NewLogTree()
	groups := []LogGroup{
		{Name: "a", FirstLogID: 1, LastLogID: 100},
		{Name: "b", FirstLogID: 50, LastLogID: 150},
	}
	if err := lt.SetGroups(groups); err == nil {
		t.Fatal("expected overlap error")
	}
}

func TestFindLocatesContainingGroup(t *testing.T) {
	lt := NewLogTree()
	if err := lt.SetGroups([]LogGroup{
		{Name: "a", FirstLogID: 1, LastLogID: 100},
		{Name: "b", FirstLogID: 101, LastLogID: 200},
	}); err != nil {
		t.Fatalf("set groups: %v", err)
	}
	g, ok := lt.Find(150)
	if !ok || g.Name != "b" {
		t.Fatalf("expected group b to contain log id 150, got %+v ok=%v", g, ok)
	}
	if _, ok := lt.Find(300); ok {
		t.Fatal("expected no group to contain log id 300")
	}
}

func TestCountersRoundTrip(t *testing.T) {
	lt := NewLogTree()
	lt.SetCounters("g1", counters{AppendsPerSec: 10, BytesPerSec: 2048, Custom: map[string]float64{"retries": 3}})
	c, ok := lt.Counters("g1")
	if !ok {
		t.Fatal("expected counters for g1")
	}
	if c.AppendsPerSec != 10 || c.Custom["retries"] != 3 {
		t.Fatalf("unexpected counters: %+v", c)
	}
}
