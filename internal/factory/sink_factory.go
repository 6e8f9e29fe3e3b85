// Package factory builds the event sinks named in the configuration.
package factory

import (
	"fmt"
	"sort"

	"Go2NatPeer/internal/config"
	"Go2NatPeer/internal/events"
	"Go2NatPeer/internal/probe"

	"github.com/golang/glog"
)

// SinkFactory creates an event sink from the configuration.
type SinkFactory func(cfg *config.Config) (events.Sink, error)

// registry holds the mapping of sink types to their factory functions.
var registry = make(map[string]SinkFactory)

func init() {
	RegisterSink("log", func(*config.Config) (events.Sink, error) {
		return events.LogSink{}, nil
	})
	RegisterSink("nats", func(cfg *config.Config) (events.Sink, error) {
		return probe.NewPublisher(cfg.Events.NATS)
	})
	RegisterSink("clickhouse", func(cfg *config.Config) (events.Sink, error) {
		return events.NewClickHouseSink(cfg.Events.ClickHouse)
	})
}

// RegisterSink registers a new sink type with its factory function.
func RegisterSink(name string, factory SinkFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("sink type '%s' already registered", name))
	}
	registry[name] = factory
}

// Types returns the registered sink types in sorted order.
func Types() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds every sink listed in cfg.Events.Types. Sinks already
// built are closed when a later one fails.
func Create(cfg *config.Config) ([]events.Sink, error) {
	var sinks []events.Sink
	fail := func(err error) ([]events.Sink, error) {
		for _, s := range sinks {
			s.Close()
		}
		return nil, err
	}

	for _, typ := range cfg.Events.Types {
		glog.Infof("creating event sink of type '%s'", typ)
		factory, ok := registry[typ]
		if !ok {
			return fail(fmt.Errorf("unknown event sink type: '%s'", typ))
		}
		s, err := factory(cfg)
		if err != nil {
			return fail(fmt.Errorf("error creating event sink type '%s': %w", typ, err))
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
