package definition

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pitabwire/matterflow/internal/observability"
	"github.com/pitabwire/matterflow/model"
)

// TemplateStore is where loaded templates are registered. *workflow.Engine
// satisfies it.
type TemplateStore interface {
	TemplateChecker
	GetTemplate(ctx context.Context, ref string) (model.WorkflowTemplate, error)
	RegisterTemplate(ctx context.Context, tpl model.WorkflowTemplate) (model.WorkflowTemplate, error)
}

// snapshot is an immutable view of the templates registered by the last
// sync, indexed by key.
type snapshot struct {
	templates map[string]model.WorkflowTemplate
	checksum  string
}

// SyncResult summarizes one Sync call.
type SyncResult struct {
	Registered []string
	Unchanged  []string
	Rejected   []VError
}

// Registry keeps the engine's template store in step with the template
// directories. Reads use an atomic pointer swap and never block.
type Registry struct {
	store       TemplateStore
	loader      *Loader
	validator   *Validator
	directories []string
	failOnError bool
	logger      *zap.Logger
	metrics     *observability.Metrics

	snap atomic.Pointer[snapshot]
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithFailOnError makes Sync fail when any template file is rejected.
func WithFailOnError(fail bool) RegistryOption {
	return func(r *Registry) { r.failOnError = fail }
}

// WithLogger sets the registry's logger.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the registry's metrics.
func WithMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates a Registry over the given directories.
func NewRegistry(store TemplateStore, directories []string, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:       store,
		loader:      NewLoader(),
		validator:   NewValidator(store),
		directories: directories,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(&snapshot{templates: map[string]model.WorkflowTemplate{}})
	return r
}

// Sync loads every template file, validates it and registers a new version
// for each template whose content changed since the latest stored version.
// Rejected files are logged and skipped unless fail-on-error is set.
func (r *Registry) Sync(ctx context.Context) (SyncResult, error) {
	var res SyncResult

	tpls, err := r.loader.LoadAll(r.directories)
	if err != nil {
		r.metrics.RecordTemplateLoad("error")
		return res, err
	}

	next := &snapshot{templates: make(map[string]model.WorkflowTemplate, len(tpls))}
	seen := make(map[string]string, len(tpls))
	var failures []error

	for i, tpl := range tpls {
		if verrs := r.validator.validateOne(i, tpl, seen); len(verrs) > 0 {
			res.Rejected = append(res.Rejected, verrs...)
			r.metrics.RecordTemplateLoad("rejected")
			for _, ve := range verrs {
				r.logger.Warn("template rejected",
					zap.String("path", ve.Path),
					zap.String("code", ve.Code),
					zap.String("message", ve.Message),
				)
				failures = append(failures, ve)
			}
			continue
		}

		stored, changed, err := r.register(ctx, tpl)
		if err != nil {
			r.metrics.RecordTemplateLoad("error")
			r.logger.Error("template registration failed",
				zap.String("template_key", tpl.Key),
				zap.String("source_file", tpl.SourceFile),
				zap.Error(err),
			)
			failures = append(failures, fmt.Errorf("%s: %w", tpl.SourceFile, err))
			continue
		}

		if changed {
			res.Registered = append(res.Registered, stored.Key)
			r.metrics.RecordTemplateLoad("registered")
		} else {
			res.Unchanged = append(res.Unchanged, stored.Key)
			r.metrics.RecordTemplateLoad("unchanged")
		}
		next.templates[stored.Key] = stored
	}

	if r.failOnError && len(failures) > 0 {
		return res, fmt.Errorf("template sync: %w", errors.Join(failures...))
	}

	next.checksum = combinedChecksum(next.templates)
	r.snap.Store(next)
	r.metrics.SetTemplatesLoaded(float64(len(next.templates)))

	r.logger.Info("templates synced",
		zap.Int("registered", len(res.Registered)),
		zap.Int("unchanged", len(res.Unchanged)),
		zap.Int("rejected", len(res.Rejected)),
		zap.String("checksum", next.checksum),
	)
	return res, nil
}

// register stores tpl unless its latest stored version has the same
// checksum. changed reports whether a new version was written.
func (r *Registry) register(ctx context.Context, tpl model.WorkflowTemplate) (model.WorkflowTemplate, bool, error) {
	latest, err := r.store.GetTemplate(ctx, tpl.Key)
	switch {
	case err == nil:
		if latest.Checksum == tpl.Checksum {
			latest.SourceFile = tpl.SourceFile
			return latest, false, nil
		}
	case !model.IsCode(err, model.ErrNotFound):
		return model.WorkflowTemplate{}, false, err
	}

	stored, err := r.store.RegisterTemplate(ctx, tpl)
	if err != nil {
		return model.WorkflowTemplate{}, false, err
	}
	stored.SourceFile = tpl.SourceFile
	return stored, true, nil
}

func combinedChecksum(tpls map[string]model.WorkflowTemplate) string {
	parts := make([]string, 0, len(tpls))
	for _, tpl := range tpls {
		parts = append(parts, tpl.Checksum)
	}
	sort.Strings(parts)
	return fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the template loaded from file under key.
func (r *Registry) Get(key string) (model.WorkflowTemplate, bool) {
	t, ok := r.current().templates[key]
	return t, ok
}

// All returns the templates loaded by the last sync, sorted by key.
func (r *Registry) All() []model.WorkflowTemplate {
	s := r.current()
	out := make([]model.WorkflowTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Loaded reports whether the last sync registered at least one template.
func (r *Registry) Loaded() bool {
	return len(r.current().templates) > 0
}

// Checksum returns the combined checksum of the templates loaded by the
// last sync.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
