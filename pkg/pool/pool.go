// Package pool provides object pooling for the load path to reduce
// allocations.
//
// A chunk of a few hundred rows turns into as many property maps per write
// operation, and every node identity is hashed from a scratch buffer. Pooling
// those keeps GC pressure flat when many chunks are in flight.
//
// Pooled objects:
// - Property maps (row keys, node and edge properties)
// - Byte buffers (identity hashing)
// - String slices (sorted labels and keys)
//
// Usage:
//
//	props := pool.GetMap()
//	defer pool.PutMap(props)
//
//	props["AGE"] = 63.0
package pool

import (
	"sync"
)

// PoolConfig configures object pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxSize limits the size of objects returned to a pool
	MaxSize int
}

var (
	configMu     sync.RWMutex
	globalConfig = PoolConfig{
		Enabled: true,
		MaxSize: 1000,
	}
)

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config PoolConfig) {
	configMu.Lock()
	globalConfig = config
	configMu.Unlock()
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return current().Enabled
}

func current() PoolConfig {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// =============================================================================
// Map Pool (row keys, node and edge properties)
// =============================================================================

var mapPool = sync.Pool{
	New: func() any {
		return make(map[string]any, 8)
	},
}

// GetMap returns an empty map from the pool.
func GetMap() map[string]any {
	if !IsEnabled() {
		return make(map[string]any, 8)
	}
	m := mapPool.Get().(map[string]any)
	clear(m)
	return m
}

// PutMap returns a map to the pool. The caller must not use m afterwards.
func PutMap(m map[string]any) {
	cfg := current()
	if !cfg.Enabled || m == nil {
		return
	}
	if len(m) > cfg.MaxSize {
		return
	}
	clear(m)
	mapPool.Put(m)
}

// PutMaps returns every map in ms to the pool.
func PutMaps(ms ...map[string]any) {
	for _, m := range ms {
		PutMap(m)
	}
}

// =============================================================================
// Byte Buffer Pool
// =============================================================================

var byteBufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 256)
		return &b
	},
}

// GetByteBuffer returns an empty byte buffer from the pool.
func GetByteBuffer() *[]byte {
	if !IsEnabled() {
		b := make([]byte, 0, 256)
		return &b
	}
	b := byteBufferPool.Get().(*[]byte)
	*b = (*b)[:0]
	return b
}

// PutByteBuffer returns a byte buffer to the pool.
func PutByteBuffer(b *[]byte) {
	if !IsEnabled() || b == nil {
		return
	}
	if cap(*b) > 64*1024 { // Don't pool huge buffers
		return
	}
	*b = (*b)[:0]
	byteBufferPool.Put(b)
}

// =============================================================================
// String Slice Pool
// =============================================================================

var stringSlicePool = sync.Pool{
	New: func() any {
		s := make([]string, 0, 16)
		return &s
	},
}

// GetStringSlice returns an empty string slice from the pool.
func GetStringSlice() *[]string {
	if !IsEnabled() {
		s := make([]string, 0, 16)
		return &s
	}
	s := stringSlicePool.Get().(*[]string)
	*s = (*s)[:0]
	return s
}

// PutStringSlice returns a string slice to the pool.
func PutStringSlice(s *[]string) {
	cfg := current()
	if !cfg.Enabled || s == nil {
		return
	}
	if cap(*s) > cfg.MaxSize {
		return
	}
	clear(*s)
	*s = (*s)[:0]
	stringSlicePool.Put(s)
}
