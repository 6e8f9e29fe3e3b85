package factory

import (
	"errors"
	"strings"
	"testing"

	"Go2NatPeer/internal/config"
	"Go2NatPeer/internal/events"
	"Go2NatPeer/internal/model"

	"github.com/go-playground/assert/v2"
)

type closeCounter struct {
	closed *int
}

func (c closeCounter) Name() string { return "counter" }
func (c closeCounter) Write(model.Event) error { return nil }
func (c closeCounter) Close() error {
	*c.closed++
	return nil
}

func TestCreate(t *testing.T) {
	cfg := config.Default()
	cfg.Events.Types = []string{"log"}
	sinks, err := Create(cfg)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	assert.Equal(t, len(sinks), 1)
	assert.Equal(t, sinks[0].Name(), "log")
}

func TestCreate_UnknownTypeClosesBuilt(t *testing.T) {
	closed := 0
	RegisterSink("test_counter", func(*config.Config) (events.Sink, error) {
		return closeCounter{closed: &closed}, nil
	})
	RegisterSink("test_broken", func(*config.Config) (events.Sink, error) {
		return nil, errors.New("boom")
	})

	cfg := config.Default()
	cfg.Events.Types = []string{"test_counter", "kafka"}
	_, err := Create(cfg)
	if err == nil || !strings.Contains(err.Error(), "kafka") {
		t.Fatalf("want unknown type error, got %v", err)
	}
	assert.Equal(t, closed, 1)

	cfg.Events.Types = []string{"test_counter", "test_broken"}
	_, err = Create(cfg)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("want factory error, got %v", err)
	}
	assert.Equal(t, closed, 2)
}

func TestRegisterSink_Duplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate registration did not panic")
		}
	}()
	RegisterSink("log", nil)
}

func TestTypes(t *testing.T) {
	types := Types()
	for _, want := range []string{"clickhouse", "log", "nats"} {
		found := false
		for _, typ := range types {
			found = found || typ == want
		}
		assert.Equal(t, found, true)
	}
}
