package models

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Pool is the process-wide model cache. Models load lazily, exactly once
// per mode, and are never evicted until Clear. The pool also owns the
// warmed-up set so warm-up cost is paid once per mode across every
// session in the process.
type Pool struct {
	mu     sync.RWMutex
	load   LoaderFunc
	models map[Mode]Model
	warm   map[Mode]bool
	gen    uint64
	group  singleflight.Group
	logger *zap.Logger
}

// NewPool creates a pool around a loader.
func NewPool(load LoaderFunc, logger *zap.Logger) *Pool {
	return &Pool{
		load:   load,
		models: make(map[Mode]Model),
		warm:   make(map[Mode]bool),
		logger: logger,
	}
}

// Get returns the model for a mode, loading it on first use. Concurrent
// first calls for the same mode coalesce into a single load; every caller
// observes the same fully initialized model. Lookups of already-loaded
// models take only a read lock.
func (p *Pool) Get(mode Mode) (Model, error) {
	p.mu.RLock()
	if m, ok := p.models[mode]; ok {
		p.mu.RUnlock()
		return m, nil
	}
	gen := p.gen
	p.mu.RUnlock()

	v, err, _ := p.group.Do("load:"+string(mode), func() (interface{}, error) {
		p.mu.RLock()
		if m, ok := p.models[mode]; ok {
			p.mu.RUnlock()
			return m, nil
		}
		p.mu.RUnlock()

		profile, err := ProfileFor(mode)
		if err != nil {
			return nil, err
		}

		p.logger.Info("loading model", zap.String("mode", string(mode)), zap.String("model", profile.Name))
		m, err := p.load(profile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load %s model", mode)
		}

		p.mu.Lock()
		if p.gen != gen {
			// Cleared while loading; do not resurrect state past Clear.
			p.mu.Unlock()
			_ = m.Close()
			return nil, errors.Errorf("pool cleared while loading %s model", mode)
		}
		p.models[mode] = m
		p.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Model), nil
}

// IsWarm reports whether a mode has completed warm-up.
func (p *Pool) IsWarm(mode Mode) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.warm[mode]
}

// MarkWarm records that a mode has been warmed up. A mode that is not
// loaded cannot be warm; such calls are ignored.
func (p *Pool) MarkWarm(mode Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.models[mode]; !ok {
		return
	}
	p.warm[mode] = true
}

// WarmUp runs fn against the mode's model unless the mode is already
// warm, then marks it warm. Concurrent warm-ups for the same mode
// coalesce, so the process pays for at most one warm-up sequence per
// mode regardless of how many sessions connect at once.
func (p *Pool) WarmUp(mode Mode, fn func(Model) error) error {
	if p.IsWarm(mode) {
		return nil
	}

	_, err, _ := p.group.Do("warm:"+string(mode), func() (interface{}, error) {
		if p.IsWarm(mode) {
			return nil, nil
		}
		m, err := p.Get(mode)
		if err != nil {
			return nil, err
		}
		if err := fn(m); err != nil {
			return nil, err
		}
		p.MarkWarm(mode)
		return nil, nil
	})
	return err
}

// Loaded returns the modes that currently hold a model.
func (p *Pool) Loaded() []Mode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	modes := make([]Mode, 0, len(p.models))
	for _, m := range Modes() {
		if _, ok := p.models[m]; ok {
			modes = append(modes, m)
		}
	}
	return modes
}

// PreloadAll loads every mode, best effort. Failures are logged and do
// not abort the remaining loads.
func (p *Pool) PreloadAll() {
	for _, mode := range Modes() {
		if _, err := p.Get(mode); err != nil {
			p.logger.Warn("preload failed", zap.String("mode", string(mode)), zap.Error(err))
		}
	}
}

// Clear evicts every loaded model and resets the warmed-up set. Loads in
// flight when Clear runs observe the reset and fail rather than
// resurrecting evicted state.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for mode, m := range p.models {
		if err := m.Close(); err != nil {
			p.logger.Warn("error closing model", zap.String("mode", string(mode)), zap.Error(err))
		}
	}
	p.models = make(map[Mode]Model)
	p.warm = make(map[Mode]bool)
	p.gen++
}
