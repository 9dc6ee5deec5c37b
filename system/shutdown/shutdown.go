package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/registry"
)

// Step is one piece of teardown.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Wait blocks until SIGINT or SIGTERM, or until ctx is done.
func Wait(ctx context.Context) os.Signal {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		return sig
	case <-ctx.Done():
		return nil
	}
}

// Graceful runs steps in order, each one even if earlier ones failed, and
// returns every error combined. The whole teardown shares one deadline.
func Graceful(timeout time.Duration, steps ...Step) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs error
	for _, s := range steps {
		start := time.Now()
		if err := s.Run(ctx); err != nil {
			log.Error().Err(err).Str("step", s.Name).Msg("Shutdown step failed")
			errs = multierr.Append(errs, err)
			continue
		}
		log.Debug().Str("step", s.Name).Dur("took", time.Since(start)).Msg("Shutdown step done")
	}
	if errs == nil {
		log.Info().Msg("Shutdown complete")
	}
	return errs
}

// Drivers puts every registered driver that supports it into its safe state.
func Drivers(reg *registry.Registry) Step {
	return Step{Name: "drivers", Run: func(ctx context.Context) error {
		var errs error
		for _, id := range reg.IDs() {
			drv, err := reg.Lookup(id)
			if err != nil {
				continue
			}
			sd, ok := drv.(device.Shutdowner)
			if !ok {
				continue
			}
			if err := sd.Shutdown(ctx); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			log.Info().Str("device", id).Msg("Device left in safe state")
		}
		return errs
	}}
}

// Fatal logs err and exits non-zero after running the given teardown.
func Fatal(err error, msg string, steps ...Step) {
	log.Error().Err(err).Msg(msg)
	Graceful(5*time.Second, steps...)
	os.Exit(1)
}
