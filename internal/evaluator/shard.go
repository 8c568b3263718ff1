package evaluator

import "hash/fnv"

// shardOf maps a tenant to a shard index by FNV-1a hash, so every replica
// agrees on ownership without coordination.
func shardOf(tenantID string, count int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return int(h.Sum32() % uint32(count))
}

// ownsTenant reports whether this replica evaluates the tenant.
func (c Config) ownsTenant(tenantID string) bool {
	if c.ShardCount <= 1 {
		return true
	}
	return shardOf(tenantID, c.ShardCount) == c.ShardIndex
}
