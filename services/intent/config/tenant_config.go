// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config resolves per-tenant configuration for the intent core.
//
// All tunables that used to be scattered boolean/numeric flags are collected
// into one TenantConfig value resolved once per request. Defaults ship
// embedded; a deployment config file may override them globally or per
// tenant, and is hot-reloaded on change.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed tenant_defaults.yaml
var embeddedDefaultsYAML []byte

// =============================================================================
// Configuration Types
// =============================================================================

// Duration wraps time.Duration with YAML support for "10m"-style strings.
type Duration time.Duration

// UnmarshalYAML parses either a duration string ("90s") or raw nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("config: invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// CalibrationConfig holds the confidence fusion weights and action bands.
//
// The weights are fixed by design (0.4/0.3/0.2/0.1) and a missing source
// contributes zero without renormalization; they are configurable here only
// so a deployment can tune them deliberately, never silently.
type CalibrationConfig struct {
	LLMWeight        float64 `yaml:"llm_weight"`
	SemanticWeight   float64 `yaml:"semantic_weight"`
	KeywordWeight    float64 `yaml:"keyword_weight"`
	TransitionWeight float64 `yaml:"transition_weight"`

	// ExecuteThreshold and below define the four action bands:
	// final >= Execute → EXECUTE; >= Confirm → CONFIRM;
	// >= Clarify → SHOW_CANDIDATES; below → CLARIFY.
	ExecuteThreshold float64 `yaml:"execute_threshold"`
	ConfirmThreshold float64 `yaml:"confirm_threshold"`
	ClarifyThreshold float64 `yaml:"clarify_threshold"`

	// TransitionAlpha is the Laplace smoothing parameter for the
	// transition matrix. Default 1.0.
	TransitionAlpha float64 `yaml:"transition_alpha"`
}

// TenantConfig is the complete per-tenant configuration value, resolved once
// per request.
//
// # Thread Safety
//
// TenantConfig is a value type; resolved copies are immutable by convention.
type TenantConfig struct {
	// SemanticEnabled gates the embedding matcher and semantic cache level.
	SemanticEnabled bool `yaml:"semantic_enabled"`

	// SemanticThreshold is the minimum cosine similarity for a semantic
	// matcher candidate. Default 0.75.
	SemanticThreshold float64 `yaml:"semantic_threshold"`

	// SemanticTopK bounds the semantic matcher candidate list.
	SemanticTopK int `yaml:"semantic_top_k"`

	// ApproximateThreshold is the minimum normalized edit-distance
	// similarity for an approximate expression match.
	ApproximateThreshold float64 `yaml:"approximate_threshold"`

	// ApproximateMaxCandidates bounds the expression set scored by edit
	// distance after the fuzzy prefilter.
	ApproximateMaxCandidates int `yaml:"approximate_max_candidates"`

	// KeywordThreshold is the minimum keyword-overlap score to stop the
	// cascade at the keyword stage.
	KeywordThreshold float64 `yaml:"keyword_threshold"`

	// CacheEnabled gates the semantic result cache entirely.
	CacheEnabled bool `yaml:"cache_enabled"`

	// CacheTTL is the default result-cache entry lifetime; intent
	// definitions may override it per intent.
	CacheTTL Duration `yaml:"cache_ttl"`

	// CacheSemanticThreshold is the minimum similarity for a semantic cache
	// hit. Deliberately stricter than SemanticThreshold: reusing a cached
	// result must be safer than fresh matching.
	CacheSemanticThreshold float64 `yaml:"cache_semantic_threshold"`

	// MaxRounds bounds a conversation session's question/answer exchanges.
	MaxRounds int `yaml:"max_rounds"`

	// SessionTimeout is the inactivity window before the sweeper reaps a
	// session into TIMEOUT.
	SessionTimeout Duration `yaml:"session_timeout"`

	// AutoLearnEnabled gates automatic expression learning from
	// high-confidence resolutions.
	AutoLearnEnabled bool `yaml:"auto_learn_enabled"`

	// AutoLearnMinConfidence is the floor below which resolutions are not
	// auto-learned.
	AutoLearnMinConfidence float64 `yaml:"auto_learn_min_confidence"`

	// MaxNewKeywords bounds keywords added per feedback event.
	MaxNewKeywords int `yaml:"max_new_keywords"`

	// ExpressionAgingDays and ExpressionMinHits control deactivation of
	// learned expressions that never earn their keep.
	ExpressionAgingDays int `yaml:"expression_aging_days"`
	ExpressionMinHits   int `yaml:"expression_min_hits"`

	// RAGDirectReuseThreshold is the similarity at which a retrieved
	// historical case short-circuits the LLM fallback entirely.
	RAGDirectReuseThreshold float64 `yaml:"rag_direct_reuse_threshold"`

	// RAGTopK is how many few-shot cases are supplied to the LLM.
	RAGTopK int `yaml:"rag_top_k"`

	// EmbeddingTimeout and LLMTimeout bound the external capability calls.
	EmbeddingTimeout Duration `yaml:"embedding_timeout"`
	LLMTimeout       Duration `yaml:"llm_timeout"`

	Calibration CalibrationConfig `yaml:"calibration"`
}

// tenantOverride is a sparse per-tenant patch; nil fields inherit defaults.
type tenantOverride struct {
	SemanticEnabled          *bool     `yaml:"semantic_enabled"`
	SemanticThreshold        *float64  `yaml:"semantic_threshold"`
	SemanticTopK             *int      `yaml:"semantic_top_k"`
	ApproximateThreshold     *float64  `yaml:"approximate_threshold"`
	ApproximateMaxCandidates *int      `yaml:"approximate_max_candidates"`
	KeywordThreshold         *float64  `yaml:"keyword_threshold"`
	CacheEnabled             *bool     `yaml:"cache_enabled"`
	CacheTTL                 *Duration `yaml:"cache_ttl"`
	CacheSemanticThreshold   *float64  `yaml:"cache_semantic_threshold"`
	MaxRounds                *int      `yaml:"max_rounds"`
	SessionTimeout           *Duration `yaml:"session_timeout"`
	AutoLearnEnabled         *bool     `yaml:"auto_learn_enabled"`
	AutoLearnMinConfidence   *float64  `yaml:"auto_learn_min_confidence"`
	MaxNewKeywords           *int      `yaml:"max_new_keywords"`
	ExpressionAgingDays      *int      `yaml:"expression_aging_days"`
	ExpressionMinHits        *int      `yaml:"expression_min_hits"`
	RAGDirectReuseThreshold  *float64  `yaml:"rag_direct_reuse_threshold"`
	RAGTopK                  *int      `yaml:"rag_top_k"`
	EmbeddingTimeout         *Duration `yaml:"embedding_timeout"`
	LLMTimeout               *Duration `yaml:"llm_timeout"`

	Calibration *CalibrationConfig `yaml:"calibration"`
}

// configFile is the on-disk/embedded YAML shape.
type configFile struct {
	Defaults TenantConfig              `yaml:"defaults"`
	Tenants  map[string]tenantOverride `yaml:"tenants"`
}

// =============================================================================
// Provider
// =============================================================================

// Provider resolves TenantConfig values and hot-reloads the deployment
// config file on change.
//
// # Thread Safety
//
// Safe for concurrent use. Reload swaps the parsed file under a write lock;
// Resolve copies under a read lock.
type Provider struct {
	mu       sync.RWMutex
	file     configFile
	path     string // deployment config file; "" = embedded defaults only
	logger   *slog.Logger
	onChange []func()
}

// NewProvider creates a Provider from the embedded defaults, optionally
// merged with a deployment config file.
//
// # Inputs
//
//   - path: Deployment config file path. Empty uses embedded defaults only.
//   - logger: Logger instance. Nil uses slog.Default().
//
// # Outputs
//
//   - *Provider: Ready-to-use provider.
//   - error: Non-nil if the embedded defaults or the file are malformed.
func NewProvider(path string, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{path: path, logger: logger}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// reload parses embedded defaults and layers the deployment file on top.
func (p *Provider) reload() error {
	var file configFile
	if err := yaml.Unmarshal(embeddedDefaultsYAML, &file); err != nil {
		return fmt.Errorf("config: parse embedded defaults: %w", err)
	}

	if p.path != "" {
		raw, err := os.ReadFile(p.path)
		if err != nil {
			return fmt.Errorf("config: read %q: %w", p.path, err)
		}
		var overlay configFile
		if err := yaml.Unmarshal(raw, &overlay); err != nil {
			return fmt.Errorf("config: parse %q: %w", p.path, err)
		}
		// The deployment file's defaults section fully replaces fields it
		// sets; unmarshal it over the embedded defaults so unset fields keep
		// their embedded values.
		merged := file.Defaults
		if err := yaml.Unmarshal(raw, &struct {
			Defaults *TenantConfig `yaml:"defaults"`
		}{Defaults: &merged}); err != nil {
			return fmt.Errorf("config: merge %q: %w", p.path, err)
		}
		file.Defaults = merged
		if overlay.Tenants != nil {
			file.Tenants = overlay.Tenants
		}
	}

	p.mu.Lock()
	p.file = file
	p.mu.Unlock()

	p.logger.Info("config: loaded",
		slog.String("path", p.path),
		slog.Int("tenant_overrides", len(file.Tenants)),
	)
	return nil
}

// Resolve returns the effective configuration for a tenant: embedded
// defaults, overlaid by the deployment defaults, overlaid by the tenant's
// sparse override. The returned value is a copy.
func (p *Provider) Resolve(tenantID string) TenantConfig {
	p.mu.RLock()
	cfg := p.file.Defaults
	ov, ok := p.file.Tenants[tenantID]
	p.mu.RUnlock()

	if ok {
		applyOverride(&cfg, ov)
	}
	return cfg
}

// applyOverride patches non-nil override fields into cfg.
func applyOverride(cfg *TenantConfig, ov tenantOverride) {
	if ov.SemanticEnabled != nil {
		cfg.SemanticEnabled = *ov.SemanticEnabled
	}
	if ov.SemanticThreshold != nil {
		cfg.SemanticThreshold = *ov.SemanticThreshold
	}
	if ov.SemanticTopK != nil {
		cfg.SemanticTopK = *ov.SemanticTopK
	}
	if ov.ApproximateThreshold != nil {
		cfg.ApproximateThreshold = *ov.ApproximateThreshold
	}
	if ov.ApproximateMaxCandidates != nil {
		cfg.ApproximateMaxCandidates = *ov.ApproximateMaxCandidates
	}
	if ov.KeywordThreshold != nil {
		cfg.KeywordThreshold = *ov.KeywordThreshold
	}
	if ov.CacheEnabled != nil {
		cfg.CacheEnabled = *ov.CacheEnabled
	}
	if ov.CacheTTL != nil {
		cfg.CacheTTL = *ov.CacheTTL
	}
	if ov.CacheSemanticThreshold != nil {
		cfg.CacheSemanticThreshold = *ov.CacheSemanticThreshold
	}
	if ov.MaxRounds != nil {
		cfg.MaxRounds = *ov.MaxRounds
	}
	if ov.SessionTimeout != nil {
		cfg.SessionTimeout = *ov.SessionTimeout
	}
	if ov.AutoLearnEnabled != nil {
		cfg.AutoLearnEnabled = *ov.AutoLearnEnabled
	}
	if ov.AutoLearnMinConfidence != nil {
		cfg.AutoLearnMinConfidence = *ov.AutoLearnMinConfidence
	}
	if ov.MaxNewKeywords != nil {
		cfg.MaxNewKeywords = *ov.MaxNewKeywords
	}
	if ov.ExpressionAgingDays != nil {
		cfg.ExpressionAgingDays = *ov.ExpressionAgingDays
	}
	if ov.ExpressionMinHits != nil {
		cfg.ExpressionMinHits = *ov.ExpressionMinHits
	}
	if ov.RAGDirectReuseThreshold != nil {
		cfg.RAGDirectReuseThreshold = *ov.RAGDirectReuseThreshold
	}
	if ov.RAGTopK != nil {
		cfg.RAGTopK = *ov.RAGTopK
	}
	if ov.EmbeddingTimeout != nil {
		cfg.EmbeddingTimeout = *ov.EmbeddingTimeout
	}
	if ov.LLMTimeout != nil {
		cfg.LLMTimeout = *ov.LLMTimeout
	}
	if ov.Calibration != nil {
		cfg.Calibration = *ov.Calibration
	}
}

// OnChange registers a hook invoked after a successful hot reload. Hooks are
// used to flush configuration-dependent caches. Register before Watch.
func (p *Provider) OnChange(fn func()) {
	p.mu.Lock()
	p.onChange = append(p.onChange, fn)
	p.mu.Unlock()
}

// Watch hot-reloads the deployment config file when it changes. Blocks until
// stop is closed; run in a dedicated goroutine. No-op when no file is
// configured.
//
// A failed reload keeps the previous configuration and logs a warning —
// a malformed edit must never take the resolver down.
func (p *Provider) Watch(stop <-chan struct{}) {
	if p.path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Warn("config: watcher unavailable, hot reload disabled",
			slog.String("error", err.Error()))
		return
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory, not the file: editors replace files on save,
	// which would orphan a file-level watch.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		p.logger.Warn("config: watch failed, hot reload disabled",
			slog.String("error", err.Error()))
		return
	}

	target := filepath.Clean(p.path)
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := p.reload(); err != nil {
				p.logger.Warn("config: reload failed, keeping previous configuration",
					slog.String("error", err.Error()))
				continue
			}
			p.mu.RLock()
			hooks := make([]func(), len(p.onChange))
			copy(hooks, p.onChange)
			p.mu.RUnlock()
			for _, fn := range hooks {
				fn()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("config: watcher error", slog.String("error", err.Error()))
		}
	}
}
