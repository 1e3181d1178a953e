package partition

import (
	"strconv"
	"testing"
)

func TestFor_Determinism(t *testing.T) {
	id := For("subscription-abc")
	for i := 0; i < 100; i++ {
		if got := For("subscription-abc"); got != id {
			t.Fatalf("For(\"subscription-abc\") = %d on iteration %d, want %d", got, i, id)
		}
	}
}

func TestFor_Range(t *testing.T) {
	inputs := []string{"", "a", "agg-1", "agg-2", "very-long-aggregate-id-that-should-still-hash-correctly"}
	for _, s := range inputs {
		p := For(s)
		if p < 0 || p >= Count {
			t.Errorf("For(%q) = %d, want [0, %d)", s, p, Count)
		}
	}
}

func TestFor_Distribution(t *testing.T) {
	// 1000 keys over 256 buckets should touch well over 100 of them.
	seen := make(map[int]struct{})
	for i := 0; i < 1000; i++ {
		seen[For("agg-"+strconv.Itoa(i))] = struct{}{}
	}
	if len(seen) < 100 {
		t.Errorf("only %d distinct partitions from 1000 inputs, want >= 100", len(seen))
	}
}

func TestGroup_KeepsAggregateOrder(t *testing.T) {
	type item struct {
		agg string
		n   int
	}
	items := []item{{"a", 1}, {"b", 1}, {"a", 2}, {"c", 1}, {"a", 3}, {"b", 2}}

	lanes := Group(items, func(i item) string { return i.agg })

	total := 0
	for _, lane := range lanes {
		total += len(lane)
		last := map[string]int{}
		for _, it := range lane {
			if it.n <= last[it.agg] {
				t.Fatalf("lane out of order for %s: %v", it.agg, lane)
			}
			last[it.agg] = it.n
		}
	}
	if total != len(items) {
		t.Fatalf("grouped %d items, want %d", total, len(items))
	}

	for _, lane := range lanes {
		for _, it := range lane {
			if For(it.agg) != For(lane[0].agg) {
				t.Fatalf("lane mixes partitions: %v", lane)
			}
		}
	}
}
