package factory

import (
	"fmt"
	"sort"

	"NetTrafficSentinel/internal/config"
	"NetTrafficSentinel/internal/logging"
	"NetTrafficSentinel/internal/model"

	"github.com/sirupsen/logrus"
)

// WriterFactory creates a writer from its definition.
type WriterFactory func(def config.WriterDef, logger logrus.FieldLogger) (model.Writer, error)

// registry holds the mapping of writer types to their factory functions.
var registry = make(map[string]WriterFactory)

// RegisterWriter registers a new writer type with its factory function.
func RegisterWriter(name string, factory WriterFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("writer type '%s' already registered", name))
	}
	registry[name] = factory
}

// Registered lists the known writer types.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateWriters builds every enabled writer in cfg. Writers created before a
// failure are closed again.
func CreateWriters(cfg *config.Config, logger logrus.FieldLogger) ([]model.Writer, error) {
	log := logging.WithComponent(logger, "factory")
	var writers []model.Writer

	fail := func(err error) ([]model.Writer, error) {
		for _, w := range writers {
			w.Close()
		}
		return nil, err
	}

	for _, def := range cfg.EnabledWriters() {
		log.WithField("type", def.Type).Info("Creating writer")

		factory, ok := registry[def.Type]
		if !ok {
			return fail(fmt.Errorf("unknown writer type: '%s'", def.Type))
		}
		w, err := factory(def, logger)
		if err != nil {
			return fail(fmt.Errorf("error creating writer type '%s': %w", def.Type, err))
		}
		writers = append(writers, w)
	}

	if len(writers) == 0 {
		return nil, fmt.Errorf("no writer enabled")
	}
	return writers, nil
}
