package tracked

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"sync"
)

// bloomFilter is a thread-safe bloom filter (double-hashing, FNV-128a
// split into h1/h2) giving the tracked-wallet index a definite-negative
// O(1) rejection before falling through to the exact LRU/DB tiers.
type bloomFilter struct {
	mu   sync.RWMutex
	bits []uint64
	m    uint64
	k    uint
}

// newBloomFilter sizes a filter for expectedItems at false-positive
// rate fpr.
func newBloomFilter(expectedItems int, fpr float64) *bloomFilter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = 0.001
	}

	n := float64(expectedItems)
	m := uint64(math.Ceil(-n * math.Log(fpr) / (math.Ln2 * math.Ln2)))
	k := uint(math.Ceil(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}

	words := (m + 63) / 64
	return &bloomFilter{bits: make([]uint64, words), m: m, k: k}
}

func (bf *bloomFilter) add(key string) {
	h1, h2 := bf.hash(key)
	bf.mu.Lock()
	for i := uint(0); i < bf.k; i++ {
		pos := (h1 + uint64(i)*h2) % bf.m
		bf.bits[pos/64] |= 1 << (pos % 64)
	}
	bf.mu.Unlock()
}

// mayContain returns false if key is definitely not in the set, true
// if it probably is (subject to the configured false-positive rate).
func (bf *bloomFilter) mayContain(key string) bool {
	h1, h2 := bf.hash(key)
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	for i := uint(0); i < bf.k; i++ {
		pos := (h1 + uint64(i)*h2) % bf.m
		if bf.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

func (bf *bloomFilter) reset() {
	bf.mu.Lock()
	for i := range bf.bits {
		bf.bits[i] = 0
	}
	bf.mu.Unlock()
}

func (bf *bloomFilter) hash(key string) (uint64, uint64) {
	h := fnv.New128a()
	h.Write([]byte(key))
	sum := h.Sum(nil)
	h1 := binary.BigEndian.Uint64(sum[:8])
	h2 := binary.BigEndian.Uint64(sum[8:])
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}
