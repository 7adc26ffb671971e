package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Mapping is the decode-service mapping configuration: an opaque JSON
// document plus a version tag. Treated as an immutable value for the
// duration of one decode call.
type Mapping struct {
	Document json.RawMessage
	Version  string
}

// MappingProvider supplies the current mapping document to the worker pool.
type MappingProvider interface {
	Current() Mapping
}

// FileMappingProvider loads the mapping document from a file and hot-swaps
// it on a refresh interval. Refresh errors keep the last good document.
type FileMappingProvider struct {
	mu      sync.RWMutex
	path    string
	current Mapping
	logger  *slog.Logger
}

// NewFileMappingProvider creates a provider for the given path. An empty
// path yields an empty mapping, for decoders that need none.
func NewFileMappingProvider(path string, logger *slog.Logger) *FileMappingProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileMappingProvider{path: path, logger: logger}
}

// Load reads the mapping file and swaps it in. The version tag is derived
// from the content so consumers can tell one document from the next.
func (p *FileMappingProvider) Load() error {
	if p.path == "" {
		return nil
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("failed to read mapping file: %w", err)
	}

	if !json.Valid(data) {
		return fmt.Errorf("mapping file %s is not valid JSON", p.path)
	}

	version := fmt.Sprintf("%016x", xxhash.Sum64(data))

	p.mu.Lock()
	changed := p.current.Version != version
	p.current = Mapping{Document: data, Version: version}
	p.mu.Unlock()

	if changed {
		p.logger.Info("Mapping configuration loaded",
			slog.String("path", p.path),
			slog.String("version", version),
			slog.Int("size", len(data)),
		)
	}

	return nil
}

// Current returns the active mapping document and version.
func (p *FileMappingProvider) Current() Mapping {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Run refreshes the mapping on the given interval until the context is
// canceled. A failed refresh logs and retains the previous document.
func (p *FileMappingProvider) Run(ctx context.Context, interval time.Duration) {
	if p.path == "" || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Load(); err != nil {
				p.logger.Warn("Mapping refresh failed, keeping previous version",
					slog.String("path", p.path),
					slog.Any("error", err),
				)
			}
		}
	}
}
