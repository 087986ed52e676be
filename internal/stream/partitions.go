package stream

import (
	"fmt"
	"hash/fnv"
)

// PartitionFor maps a conversation id onto one of n partitions with FNV-1a.
// The mapping is stable for the lifetime of a deployment; n must match the
// partition count the streams were created with.
func PartitionFor(conversationID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(n))
}

// partitionKey returns the backing stream name for a partition.
func partitionKey(partition int) string {
	return fmt.Sprintf("stream:part:%d", partition)
}
