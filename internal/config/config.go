// Package config loads the JSON-file configuration for both servers, in the
// shape of original_source/snappy/DiskCache_Config.py and
// SymServer_Config.py: hard-coded defaults, an optional JSON file merged on
// top, then a Sanitize pass that normalizes paths and URLs. CLI parsing
// itself is out of scope (spec §1) — cmd/* only ever pass a single -config
// flag down to LoadFile.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LogConfig mirrors the `log` sub-object of both Python configs. Rotation is
// an external-collaborator concern (spec §1); Level is honored by
// internal/applog, which always writes to stderr. Path is made absolute by
// Sanitize but no log file is opened; MaxFiles/MaxFileSizeMB are accepted
// and ignored. All four are kept so
// that an existing JSON config file from the original deployment loads
// without errors).
type LogConfig struct {
	Path          string `json:"path"`
	Level         string `json:"level"`
	MaxFiles      int    `json:"maxFiles"`
	MaxFileSizeMB int    `json:"maxFileSizeMB"`
}

// DiskCache is the DiskCache server's configuration.
type DiskCache struct {
	CachePath           string        `json:"cachePath"`
	LocalSymbolDirs     []string      `json:"localSymbolDirs"`
	MaxSizeMB           int64         `json:"maxSizeMB"`
	Port                int           `json:"port"`
	SymbolURLs          []string      `json:"symbolURLs"`
	Retries             int           `json:"retries"`
	RetryDelayMs        int           `json:"retryDelayMs"`
	Log                 LogConfig     `json:"log"`
	DBWaitTime          time.Duration `json:"-"`
	BlockSizeBytes      int64         `json:"blockSizeBytes"`
	OverheadBudgetBytes int64         `json:"overheadBudgetBytes"`
}

// DefaultDiskCache returns the DiskCache config defaults, matching
// DiskCache_Config.py's __init__. BlockSizeBytes/OverheadBudgetBytes mirror
// LRUCache.blockSize (os.statvfs(...).f_bsize, typically 4096 on Linux) and
// the module-level CACHE_SIZE_BUFFER (1 MiB) respectively; Go has no portable
// statvfs, so the block size is configurable instead of probed.
func DefaultDiskCache() *DiskCache {
	return &DiskCache{
		CachePath: "./DiskCacheData",
		MaxSizeMB: 200,
		Port:      8888,
		SymbolURLs: []string{
			"https://s3-us-west-2.amazonaws.com/org.mozilla.crash-stats.symbols-public/v1/",
		},
		Retries:      2,
		RetryDelayMs: 1000,
		Log: LogConfig{
			Path:          "DiskCache.log",
			Level:         "warning",
			MaxFiles:      5,
			MaxFileSizeMB: 50,
		},
		DBWaitTime:          time.Second,
		BlockSizeBytes:      4096,
		OverheadBudgetBytes: 1024 * 1024,
	}
}

// LoadFile merges a JSON config file (top-level key "DiskCache") onto the
// current values, then sanitizes.
func (c *DiskCache) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var wrapper struct {
		DiskCache DiskCache `json:"DiskCache"`
	}
	wrapper.DiskCache = *c
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return err
	}
	*c = wrapper.DiskCache
	c.Sanitize()
	return nil
}

// Sanitize normalizes paths and URLs the way DiskCache_Config.py's
// sanitize() does: absolute cachePath/log path, every symbol URL ending in
// "/".
func (c *DiskCache) Sanitize() {
	if abs, err := filepath.Abs(c.CachePath); err == nil {
		c.CachePath = abs
	}
	if c.Log.Path != "" {
		if abs, err := filepath.Abs(c.Log.Path); err == nil {
			c.Log.Path = abs
		}
	}
	for i, u := range c.SymbolURLs {
		if !strings.HasSuffix(u, "/") {
			c.SymbolURLs[i] = u + "/"
		}
	}
	if c.BlockSizeBytes <= 0 {
		c.BlockSizeBytes = 4096
	}
	if c.OverheadBudgetBytes <= 0 {
		c.OverheadBudgetBytes = 1024 * 1024
	}
}

// SymServer is the SymServer front-end's configuration.
type SymServer struct {
	Port             int       `json:"port"`
	DiskCacheServer  string    `json:"diskCacheServer"`
	Log              LogConfig `json:"log"`
	L1DefaultTTLSecs int       `json:"l1DefaultTTLSecs"`
}

// DefaultSymServer returns the SymServer config defaults, matching
// SymServer_Config.py's __init__.
func DefaultSymServer() *SymServer {
	return &SymServer{
		Port:             8080,
		DiskCacheServer:  "127.0.0.1:8888",
		L1DefaultTTLSecs: 0, // 0 == no expiry, matching storage_memory.go's NewMemory(-1)
		Log: LogConfig{
			Path:          "SymServer.log",
			Level:         "warning",
			MaxFiles:      5,
			MaxFileSizeMB: 50,
		},
	}
}

// LoadFile merges a JSON config file (top-level key "SymServer") onto the
// current values, then sanitizes.
func (c *SymServer) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var wrapper struct {
		SymServer SymServer `json:"SymServer"`
	}
	wrapper.SymServer = *c
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return err
	}
	*c = wrapper.SymServer
	c.Sanitize()
	return nil
}

// Sanitize normalizes the DiskCache server address the way
// SymServer_Config.py's sanitize() does.
func (c *SymServer) Sanitize() {
	if c.Log.Path != "" {
		if abs, err := filepath.Abs(c.Log.Path); err == nil {
			c.Log.Path = abs
		}
	}
	if !strings.HasPrefix(c.DiskCacheServer, "http://") && !strings.HasPrefix(c.DiskCacheServer, "https://") {
		c.DiskCacheServer = "http://" + c.DiskCacheServer
	}
}
