package datadog

import (
	"sync"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"

	"github.com/soildesigngroup/cm5-maker-desk/internal/config"
)

var (
	mu        sync.RWMutex
	dogstatsd *statsd.Client
	verbose   bool
)

// InitMetrics connects the DogStatsD client. Metrics are dropped silently
// until this succeeds.
func InitMetrics(cfg config.Datadog) {
	if !cfg.Enabled {
		log.Info().Msg("Datadog metrics disabled")
		return
	}

	client, err := statsd.New(cfg.AgentAddr, statsd.WithoutTelemetry())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create DogStatsD client")
		return
	}

	client.Namespace = cfg.Namespace
	client.Tags = cfg.Tags

	mu.Lock()
	dogstatsd = client
	verbose = cfg.Enabled
	mu.Unlock()

	log.Info().
		Str("addr", cfg.AgentAddr).
		Str("namespace", cfg.Namespace).
		Strs("tags", cfg.Tags).
		Msg("Datadog metrics initialized")
}

// Close flushes and closes the client.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if dogstatsd == nil {
		return nil
	}
	err := dogstatsd.Close()
	dogstatsd = nil
	return err
}

func client() *statsd.Client {
	mu.RLock()
	defer mu.RUnlock()
	return dogstatsd
}

func warn(err error, name string) {
	if err != nil && verbose {
		log.Warn().Err(err).Str("metric", name).Msg("Failed to emit metric")
	}
}

func Gauge(name string, value float64, tags ...string) {
	if c := client(); c != nil {
		warn(c.Gauge(name, value, tags, 1), name)
	}
}

func Incr(name string, tags ...string) {
	if c := client(); c != nil {
		warn(c.Incr(name, tags, 1), name)
	}
}

func Timing(name string, d time.Duration, tags ...string) {
	if c := client(); c != nil {
		warn(c.Timing(name, d, tags, 1), name)
	}
}
