package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// AudioDevices is the pair of devices an audio backend provides.
type AudioDevices struct {
	Microphone audio.Microphone
	Speaker    audio.Speaker

	// Close releases backend resources such as opened files. May be nil.
	Close func() error
}

// Registry maps provider names to their constructor functions for the voice
// session providers and the audio backends. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	s2s   map[string]func(ProviderEntry) (s2s.Provider, error)
	audio map[AudioBackend]func(AudioConfig) (AudioDevices, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:   make(map[string]func(ProviderEntry) (s2s.Provider, error)),
		audio: make(map[AudioBackend]func(AudioConfig) (AudioDevices, error)),
	}
}

// RegisterS2S registers a voice session provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterAudio registers an audio backend factory.
func (r *Registry) RegisterAudio(backend AudioBackend, factory func(AudioConfig) (AudioDevices, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[backend] = factory
}

// CreateS2S instantiates a provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateAudio instantiates the devices of the backend named by cfg.Backend.
func (r *Registry) CreateAudio(cfg AudioConfig) (AudioDevices, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return AudioDevices{}, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// HasS2S reports whether a provider factory is registered under name.
func (r *Registry) HasS2S(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.s2s[name]
	return ok
}

// S2SNames returns the registered provider names, sorted.
func (r *Registry) S2SNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.s2s))
	for n := range r.s2s {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
