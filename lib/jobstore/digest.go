// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore

import (
	"github.com/zeebo/blake3"

	"github.com/enai-computer/enai-sub002/lib/job"
)

// Digest is the BLAKE3 keyed hash of a job's dedup key. It gives the
// dedup index a fixed-width column no matter how long resource keys
// (URLs, document paths) get.
type Digest [32]byte

// dedupDomainKey separates dedup digests from any other BLAKE3 use of
// the same bytes. Changing it invalidates the stored index.
var dedupDomainKey = [32]byte{
	'j', 'o', 'b', 'e', 'n', 'g', 'i', 'n', 'e', '.', 'j', 'o', 'b', '.',
	'd', 'e', 'd', 'u', 'p', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// DedupDigest hashes key. The type and resource key are separated by
// a NUL so ("a", "bc") and ("ab", "c") differ.
func DedupDigest(key job.Key) Digest {
	hasher, err := blake3.NewKeyed(dedupDomainKey[:])
	if err != nil {
		panic("jobstore: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(key.Type))
	hasher.Write([]byte{0})
	hasher.Write([]byte(key.ResourceKey))
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}
