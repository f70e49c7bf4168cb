package session

import (
	"sync"
)

// indexBucketCount is the number of independently locked shards the
// CID→session index is split across, so a hot session's lookups don't
// serialize against inserts/removals for unrelated sessions. Spec §5 calls
// this a "shared read-mostly" structure with "per-bucket serialization" —
// modeled here as a fixed-size array of sync.RWMutex-guarded maps, the
// same sharding shape as the teacher's PeerManager generalized from one
// global map+RWMutex to several.
const indexBucketCount = 64

type indexBucket struct {
	mu       sync.RWMutex
	sessions map[[8]byte]*Session
}

// Index is the process-wide CID→session demultiplexing table consulted on
// every inbound packet before any cryptographic work happens.
type Index struct {
	buckets [indexBucketCount]*indexBucket
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	idx := &Index{}
	for i := range idx.buckets {
		idx.buckets[i] = &indexBucket{sessions: make(map[[8]byte]*Session)}
	}
	return idx
}

func bucketFor(idx *Index, cid [8]byte) *indexBucket {
	// CIDs are already uniformly distributed (BLAKE3 output), so the low
	// byte alone is a fine shard selector.
	return idx.buckets[cid[0]%indexBucketCount]
}

// Insert adds or replaces the session registered under its CID.
func (idx *Index) Insert(s *Session) {
	b := bucketFor(idx, s.cid)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[s.cid] = s
}

// Lookup returns the session for cid, or nil if none is registered.
func (idx *Index) Lookup(cid [8]byte) *Session {
	b := bucketFor(idx, cid)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[cid]
}

// Remove unregisters cid, e.g. when a session reaches Closed.
func (idx *Index) Remove(cid [8]byte) {
	b := bucketFor(idx, cid)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, cid)
}

// Len returns the total number of registered sessions across all buckets.
func (idx *Index) Len() int {
	total := 0
	for _, b := range idx.buckets {
		b.mu.RLock()
		total += len(b.sessions)
		b.mu.RUnlock()
	}
	return total
}

// CIDs returns a snapshot of every connection ID currently registered,
// for callers that need to enumerate sessions (e.g. a receive-loop
// poller in cmd/wraithd).
func (idx *Index) CIDs() [][8]byte {
	var out [][8]byte
	for _, b := range idx.buckets {
		b.mu.RLock()
		for cid := range b.sessions {
			out = append(out, cid)
		}
		b.mu.RUnlock()
	}
	return out
}
