// Package shard computes partition keys for the DynamoDB link table.
package shard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
)

// LinkPK computes the sharded partition key for a link row.
// With numShards=1, every link of an owner goes to shard "00".
// With numShards>1, links are spread across shards by member hash.
func LinkPK(relationship, ownerRef, memberRef string, numShards int) string {
	if numShards <= 1 {
		return fmt.Sprintf("%s#%s#00", relationship, ownerRef)
	}
	h := fnv.New32a()
	h.Write([]byte(memberRef))
	shard := h.Sum32() % uint32(numShards)
	return fmt.Sprintf("%s#%s#%02x", relationship, ownerRef, shard)
}

// OwnerPKs returns every partition key that may hold links of owner.
func OwnerPKs(relationship, ownerRef string, numShards int) []string {
	if numShards < 1 {
		numShards = 1
	}
	pks := make([]string, numShards)
	for i := range pks {
		pks[i] = fmt.Sprintf("%s#%s#%02x", relationship, ownerRef, i)
	}
	return pks
}

// MemberKey is the member index partition key of a link row.
func MemberKey(relationship, memberRef string) string {
	return relationship + "#" + memberRef
}

// EdgeID computes a fixed-length sort key for a link row.
func EdgeID(relationship, ownerRef, memberRef string) string {
	data := fmt.Sprintf("%s\x00%s\x00%s", relationship, ownerRef, memberRef)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:16])
}
