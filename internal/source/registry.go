// Package source provides the traffic sources a capture session can draw
// records from. Implementations register themselves by name.
package source

import (
	"fmt"
	"sort"

	"NetScope/internal/config"
	"NetScope/internal/model"
)

// Factory builds a traffic source for one capture session.
type Factory func(cfg *config.CaptureConfig, sess *model.CaptureSession) (model.TrafficSource, error)

// registry holds the mapping of source types to their factory functions.
var registry = make(map[string]Factory)

// Register registers a new source type with its factory function.
func Register(name string, factory Factory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("traffic source type '%s' already registered", name))
	}
	registry[name] = factory
}

// New creates the source named by cfg.Source for sess.
func New(cfg *config.CaptureConfig, sess *model.CaptureSession) (model.TrafficSource, error) {
	factory, ok := registry[cfg.Source]
	if !ok {
		return nil, fmt.Errorf("unknown traffic source type: '%s'", cfg.Source)
	}
	src, err := factory(cfg, sess)
	if err != nil {
		return nil, fmt.Errorf("error creating traffic source '%s': %w", cfg.Source, err)
	}
	return src, nil
}

// Names lists the registered source types.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
