// Package partition spreads aggregates over a fixed set of delivery lanes.
// Commands for one aggregate always land in the same lane, so a lane can be
// drained sequentially while lanes run in parallel.
package partition

import "hash/fnv"

// Count is the fixed number of logical partitions.
const Count = 256

// For returns the partition for an aggregate id.
// The same id always maps to the same partition.
func For(aggregateID string) int {
	h := fnv.New32a()
	h.Write([]byte(aggregateID))
	return int(h.Sum32() % Count)
}

// Group buckets items by the partition of their aggregate id, preserving the
// input order inside each bucket. Buckets are returned in first-seen order.
func Group[T any](items []T, aggregateID func(T) string) [][]T {
	index := make(map[int]int)
	var lanes [][]T
	for _, item := range items {
		p := For(aggregateID(item))
		i, ok := index[p]
		if !ok {
			i = len(lanes)
			index[p] = i
			lanes = append(lanes, nil)
		}
		lanes[i] = append(lanes[i], item)
	}
	return lanes
}
