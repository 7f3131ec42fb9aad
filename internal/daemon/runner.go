package daemon

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Service is one long running part of the daemon.
type Service struct {
	Name  string
	Serve func(ctx context.Context) error
	Stop  func() error
}

// Runner supervises services: when any of them returns, or ctx ends, every
// service is stopped in reverse order.
type Runner struct {
	services []Service
	log      *zap.Logger
}

func NewRunner(log *zap.Logger, services ...Service) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{services: services, log: log}
}

func (r *Runner) Add(svc Service) {
	r.services = append(r.services, svc)
}

func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range r.services {
		if svc.Serve == nil {
			continue
		}
		g.Go(func() error {
			defer cancel()
			if err := svc.Serve(gctx); err != nil {
				return fmt.Errorf("%s: %w", svc.Name, err)
			}
			r.log.Debug("service returned", zap.String("service", svc.Name))
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return r.stop()
	})
	return g.Wait()
}

func (r *Runner) stop() error {
	var err error
	for i := len(r.services) - 1; i >= 0; i-- {
		svc := r.services[i]
		if svc.Stop == nil {
			continue
		}
		if stopErr := svc.Stop(); stopErr != nil {
			err = multierr.Append(err, fmt.Errorf("stop %s: %w", svc.Name, stopErr))
		}
	}
	return err
}
