// Package config implements the key-value configuration store backing the
// network engine. Values persist as a JSON object in a single file under
// the data directory, and the store additionally tracks the freshness of
// server fee estimates.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// FeeTargets are the confirmation targets, in blocks, for which fee
// estimates are requested from the server.
var FeeTargets = []int64{25, 10, 5, 2}

// feeEstimateInterval is how often fee estimates are considered stale and
// re-requested from the main server.
const feeEstimateInterval = 20 * time.Minute

// configFileName is the persisted JSON object under the data directory.
const configFileName = "config"

// SimpleConfig is a thread-safe persistent key-value store.
type SimpleConfig struct {
	mtx  sync.Mutex
	path string
	dir  string
	vals map[string]interface{}

	clock             clock.Clock
	feeEstimates      map[int64]int64
	lastFeeEstimates  time.Time
	readOnlyOverrides map[string]struct{}
}

// New loads or creates the config store under dir. An empty dir yields an
// ephemeral store that never touches disk.
func New(dir string, clk clock.Clock) (*SimpleConfig, error) {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	c := &SimpleConfig{
		dir:               dir,
		vals:              make(map[string]interface{}),
		clock:             clk,
		feeEstimates:      make(map[int64]int64),
		readOnlyOverrides: make(map[string]struct{}),
	}
	if dir == "" {
		return c, nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	c.path = filepath.Join(dir, configFileName)
	raw, err := os.ReadFile(c.path)
	switch {
	case os.IsNotExist(err):
		return c, nil
	case err != nil:
		return nil, err
	}
	if err := json.Unmarshal(raw, &c.vals); err != nil {
		// A corrupt config file is not fatal, just start fresh.
		c.vals = make(map[string]interface{})
	}
	return c, nil
}

// Path returns the data directory, or the empty string for an ephemeral
// store.
func (c *SimpleConfig) Path() string {
	return c.dir
}

// SetReadOnly marks a key as not modifiable; SetKey calls against it are
// rejected. This models command-line overrides pinning a setting.
func (c *SimpleConfig) SetReadOnly(key string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.readOnlyOverrides[key] = struct{}{}
}

// IsModifiable reports whether SetKey may change the given key.
func (c *SimpleConfig) IsModifiable(key string) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	_, pinned := c.readOnlyOverrides[key]
	return !pinned
}

// Get returns the stored value for key, or nil.
func (c *SimpleConfig) Get(key string) interface{} {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.vals[key]
}

// GetString returns the value for key as a string, with def as fallback.
func (c *SimpleConfig) GetString(key, def string) string {
	if v, ok := c.Get(key).(string); ok {
		return v
	}
	return def
}

// GetBool returns the value for key as a bool, with def as fallback.
func (c *SimpleConfig) GetBool(key string, def bool) bool {
	if v, ok := c.Get(key).(bool); ok {
		return v
	}
	return def
}

// GetInt returns the value for key as an integer, with def as fallback.
// JSON numbers decode as float64, so both forms are accepted.
func (c *SimpleConfig) GetInt(key string, def int64) int64 {
	switch v := c.Get(key).(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return def
}

// SetKey stores a value for key and, when save is set, persists the whole
// store to disk. Attempts to modify a pinned key are dropped.
func (c *SimpleConfig) SetKey(key string, value interface{}, save bool) {
	c.mtx.Lock()
	if _, pinned := c.readOnlyOverrides[key]; pinned {
		c.mtx.Unlock()
		return
	}
	c.vals[key] = value
	c.mtx.Unlock()
	if save {
		c.Save()
	}
}

// Save writes the store out to disk. Ephemeral stores are a no-op.
func (c *SimpleConfig) Save() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.path == "" {
		return
	}
	raw, err := json.MarshalIndent(c.vals, "", "    ")
	if err != nil {
		return
	}
	if err := os.WriteFile(c.path, raw, 0600); err != nil {
		// Persisting config is best effort.
		_ = err
	}
}

// UpdateFeeEstimates records the satoshi/kB estimate for a confirmation
// target.
func (c *SimpleConfig) UpdateFeeEstimates(target, satPerKB int64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.feeEstimates[target] = satPerKB
}

// FeeEstimates returns a copy of the current estimate table.
func (c *SimpleConfig) FeeEstimates() map[int64]int64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	out := make(map[int64]int64, len(c.feeEstimates))
	for k, v := range c.feeEstimates {
		out[k] = v
	}
	return out
}

// RequestedFeeEstimates stamps the time fee estimates were last asked
// for.
func (c *SimpleConfig) RequestedFeeEstimates() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.lastFeeEstimates = c.clock.Now()
}

// IsFeeEstimatesUpdateRequired reports whether the estimates are stale
// enough to refresh.
func (c *SimpleConfig) IsFeeEstimatesUpdateRequired() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.clock.Now().Sub(c.lastFeeEstimates) > feeEstimateInterval
}
