package sharding

import (
	"github.com/cespare/xxhash/v2"
)

// PartitionFor maps a partition key onto one of n partitions. Equal keys always
// land on the same partition, which keeps per-aggregate ordering.
func PartitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// WorkerFor assigns a partition to one of n workers so a partition is only
// ever consumed by a single goroutine.
func WorkerFor(partition, n int) int {
	if n <= 1 || partition < 0 {
		return 0
	}
	return partition % n
}
