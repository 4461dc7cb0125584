package bucketing

import (
	"hash"
	"net/netip"
	"strings"
	"sync"

	"github.com/spaolacci/murmur3"
)

// BucketingManager maps free-form identifiers (client IPs) onto a fixed
// number of integer buckets so they can be used as model features.
type BucketingManager struct {
	hasherPool sync.Pool
}

func NewBucketingManager() *BucketingManager {
	bm := &BucketingManager{}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetBucket returns a stable bucket in [0, numBuckets) for key.
func (bm *BucketingManager) GetBucket(key string, numBuckets int) int {
	if numBuckets <= 1 {
		return 0
	}
	return int(bm.getHash(key) % uint64(numBuckets))
}

// GetIPBucket canonicalizes ip before hashing so "::ffff:10.0.0.1",
// "10.0.0.1" and " 10.0.0.1 " share a bucket. Strings that do not parse as an
// address are hashed as given (trimmed).
func (bm *BucketingManager) GetIPBucket(ip string, numBuckets int) int {
	return bm.GetBucket(CanonicalIP(ip), numBuckets)
}

// CanonicalIP returns the normalized textual form of ip.
func CanonicalIP(ip string) string {
	ip = strings.TrimSpace(ip)
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	return addr.Unmap().String()
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
