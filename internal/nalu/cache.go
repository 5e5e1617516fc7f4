package nalu

import (
	"bytes"
	"sync"
)

// ParameterSetCache holds the SPS and PPS seen on a decode path. Each field
// is written at most once per cache lifetime; later differing copies are
// rejected rather than appended.
type ParameterSetCache struct {
	mu  sync.RWMutex
	sps []byte
	pps []byte
}

// SetSPS stores a copy of nal if no SPS is cached yet. It reports whether
// the cache now holds exactly nal.
func (c *ParameterSetCache) SetSPS(nal []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return storeOnce(&c.sps, nal)
}

// SetPPS is SetSPS for the picture parameter set.
func (c *ParameterSetCache) SetPPS(nal []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return storeOnce(&c.pps, nal)
}

func storeOnce(dst *[]byte, nal []byte) bool {
	if *dst != nil {
		return bytes.Equal(*dst, nal)
	}
	*dst = bytes.Clone(nal)
	return true
}

// Complete reports whether both parameter sets are present.
func (c *ParameterSetCache) Complete() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sps != nil && c.pps != nil
}

// Snapshot returns copies of the cached sets. ok is false until both are
// present.
func (c *ParameterSetCache) Snapshot() (sps, pps []byte, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sps == nil || c.pps == nil {
		return nil, nil, false
	}
	return bytes.Clone(c.sps), bytes.Clone(c.pps), true
}

// Reset empties the cache. Only a decoder teardown should call it.
func (c *ParameterSetCache) Reset() {
	c.mu.Lock()
	c.sps, c.pps = nil, nil
	c.mu.Unlock()
}
