// Package config loads and watches sink definition files.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lsm/bulksink/internal/bulk"
	"github.com/lsm/bulksink/internal/kafka"
)

// Definition represents a complete sink pipeline configuration: where
// records come from, how they are shaped into operations, and where the
// batched operations go.
type Definition struct {
	Name     string                         `yaml:"name"`
	Clusters map[string]kafka.ClusterConfig `yaml:"clusters,omitempty"`

	Source    SourceConfig     `yaml:"source"`
	Filter    string           `yaml:"filter,omitempty"`
	Transform *TransformConfig `yaml:"transform,omitempty"`
	Mapping   MappingConfig    `yaml:"mapping"`
	Backend   BackendConfig    `yaml:"backend"`

	Bulk          BulkConfig          `yaml:"bulk"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint"`
	ErrorHandling ErrorHandlingConfig `yaml:"errorHandling"`
	RateLimit     *RateLimitConfig    `yaml:"rateLimit,omitempty"`
}

// SourceConfig holds source configuration.
type SourceConfig struct {
	Cluster       string `yaml:"cluster"`
	Topic         string `yaml:"topic"`
	ConsumerGroup string `yaml:"consumerGroup"`
	StartOffset   string `yaml:"startOffset,omitempty"` // "earliest" or "latest"
}

// TransformConfig holds transform configuration.
type TransformConfig struct {
	CEL string `yaml:"cel"`
}

// MappingConfig controls how a record becomes a bulk operation.
// Path values starting with "$." are resolved against the record payload.
type MappingConfig struct {
	Index      string `yaml:"index"`                // literal or "$." path
	IDPath     string `yaml:"idPath,omitempty"`     // "$." path; record key when empty
	ActionPath string `yaml:"actionPath,omitempty"` // "$." path; "index" when empty
	CloudEvent bool   `yaml:"cloudEvent,omitempty"` // unwrap a CloudEvents envelope first
}

// BackendConfig holds backend configuration.
type BackendConfig struct {
	Type   string                 `yaml:"type"` // http, kafka, grpc
	Config map[string]interface{} `yaml:"config"`
}

// BulkConfig holds the batching and retry knobs of the sink. Unset values
// take the sink defaults; -1 disables count/size triggers explicitly.
type BulkConfig struct {
	MaxBatchActions    *int   `yaml:"maxBatchActions,omitempty"`
	MaxBatchSizeBytes  *int64 `yaml:"maxBatchSizeBytes,omitempty"`
	MaxFlushIntervalMs int    `yaml:"maxFlushIntervalMs,omitempty"`
	FlushOnCheckpoint  *bool  `yaml:"flushOnCheckpoint,omitempty"` // default true

	BackoffEnabled    *bool  `yaml:"backoffEnabled,omitempty"` // default true
	BackoffType       string `yaml:"backoffType,omitempty"`    // CONSTANT or EXPONENTIAL
	BackoffMaxRetries int    `yaml:"backoffMaxRetries,omitempty"`
	BackoffDelayMs    int    `yaml:"backoffDelayMs,omitempty"`
}

// CheckpointConfig controls how often the pipeline checkpoints.
type CheckpointConfig struct {
	IntervalMs int `yaml:"intervalMs,omitempty"` // default 30000
}

// ErrorHandlingConfig selects what happens to operations that failed
// delivery permanently.
type ErrorHandlingConfig struct {
	Mode            string `yaml:"mode,omitempty"` // fail (default), log, retry-rejected, dlq
	DeadLetterTopic string `yaml:"deadLetterTopic,omitempty"`
}

// RateLimitConfig throttles record intake ahead of the sink.
type RateLimitConfig struct {
	RecordsPerSecond float64 `yaml:"recordsPerSecond"`
	Burst            int     `yaml:"burst,omitempty"`
}

// Interval returns the checkpoint interval with the default applied.
func (c CheckpointConfig) Interval() time.Duration {
	if c.IntervalMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// ToBulkConfig translates the YAML knobs into the sink configuration.
func (b BulkConfig) ToBulkConfig() bulk.Config {
	cfg := bulk.Config{}
	if b.MaxBatchActions != nil {
		cfg.MaxActions = *b.MaxBatchActions
	}
	if b.MaxBatchSizeBytes != nil {
		cfg.MaxSizeBytes = *b.MaxBatchSizeBytes
	}
	if b.MaxFlushIntervalMs > 0 {
		cfg.FlushInterval = time.Duration(b.MaxFlushIntervalMs) * time.Millisecond
	}
	if b.FlushOnCheckpoint != nil && !*b.FlushOnCheckpoint {
		cfg.DisableCheckpointFlush = true
	}

	if b.BackoffEnabled == nil || *b.BackoffEnabled {
		policy := bulk.DefaultBackoff()
		if b.BackoffType != "" {
			policy.Type = bulk.BackoffType(b.BackoffType)
		}
		if b.BackoffMaxRetries > 0 {
			policy.MaxRetries = b.BackoffMaxRetries
		}
		if b.BackoffDelayMs > 0 {
			policy.Delay = time.Duration(b.BackoffDelayMs) * time.Millisecond
		}
		cfg.Backoff = policy
	}
	return cfg
}

// Validate checks the definition for errors.
func (d *Definition) Validate() error {
	var errs []error

	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if d.Source.Topic == "" {
		errs = append(errs, errors.New("source.topic is required"))
	}
	if d.Source.ConsumerGroup == "" {
		errs = append(errs, errors.New("source.consumerGroup is required"))
	}
	if d.Source.Cluster != "" {
		if _, ok := d.Clusters[d.Source.Cluster]; !ok {
			errs = append(errs, fmt.Errorf("source.cluster %q is not defined in clusters", d.Source.Cluster))
		}
	}

	switch d.Backend.Type {
	case "http", "kafka", "grpc":
	case "":
		errs = append(errs, errors.New("backend.type is required"))
	default:
		errs = append(errs, fmt.Errorf("backend.type %q is not valid (must be http, kafka, or grpc)", d.Backend.Type))
	}

	if d.Mapping.Index == "" {
		errs = append(errs, errors.New("mapping.index is required"))
	}

	switch d.ErrorHandling.Mode {
	case "", "fail", "log", "retry-rejected", "dlq":
	default:
		errs = append(errs, fmt.Errorf("errorHandling.mode %q is not valid", d.ErrorHandling.Mode))
	}

	if d.Bulk.BackoffType != "" {
		policy := bulk.BackoffPolicy{
			Type:       bulk.BackoffType(d.Bulk.BackoffType),
			MaxRetries: bulk.DefaultBackoffMaxRetries,
			Delay:      bulk.DefaultBackoffDelay,
		}
		if err := policy.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("bulk: %w", err))
		}
	}

	if d.RateLimit != nil && d.RateLimit.RecordsPerSecond <= 0 {
		errs = append(errs, errors.New("rateLimit.recordsPerSecond must be positive"))
	}

	for name, cluster := range d.Clusters {
		if err := cluster.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("cluster %q: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

// Loader loads and watches sink definition files.
type Loader struct {
	mu       sync.RWMutex
	sinks    map[string]*Definition
	dir      string
	logger   *slog.Logger
	onChange func(map[string]*Definition)
}

// NewLoader creates a new configuration loader for the given directory.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		sinks:  make(map[string]*Definition),
		dir:    dir,
		logger: logger,
	}
}

// OnChange registers a callback that fires when config files change.
func (l *Loader) OnChange(fn func(map[string]*Definition)) {
	l.onChange = fn
}

// Load reads all YAML files from the configured directory.
func (l *Loader) Load() (map[string]*Definition, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", l.dir, err)
	}

	sinks := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		def, err := l.loadFile(path)
		if err != nil {
			l.logger.Error("failed to load config file", "path", path, "error", err)
			continue
		}
		sinks[def.Name] = def
	}

	l.mu.Lock()
	l.sinks = sinks
	l.mu.Unlock()

	return sinks, nil
}

// Watch starts watching the config directory for changes. Blocks until done.
func (l *Loader) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close() // intentionally ignoring close error during cleanup
	}()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", l.dir, err)
	}

	l.logger.Info("watching config directory", "dir", l.dir)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) {
				l.logger.Info("config change detected", "file", event.Name, "op", event.Op)
				sinks, err := l.Load()
				if err != nil {
					l.logger.Error("failed to reload config", "error", err)
					continue
				}
				if l.onChange != nil {
					l.onChange(sinks)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

// GetSinks returns a copy of the currently loaded definitions.
func (l *Loader) GetSinks() map[string]*Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sinks := make(map[string]*Definition, len(l.sinks))
	for k, v := range l.sinks {
		sinks[k] = v
	}
	return sinks
}

func (l *Loader) loadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}

	return &def, nil
}
