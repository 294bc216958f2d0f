// Package service runs long-lived components side by side and stops them together.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/comigor/ollamachat/internal/logger"
)

type Service interface {
	Name() string
	Run(context.Context) error
}

// Func adapts a function to Service.
type Func struct {
	ServiceName string
	Fn          func(context.Context) error
}

func (f Func) Name() string                  { return f.ServiceName }
func (f Func) Run(ctx context.Context) error { return f.Fn(ctx) }

type Group []Service

// Run starts every service and blocks until ctx is done or one of them fails.
// The first failure cancels the rest; all failures are returned together.
func (g Group) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(g))
	wg.Add(len(g))
	for _, s := range g {
		go func(s Service) {
			defer wg.Done()
			logger.L.Debug("service starting", "service", s.Name())
			if err := s.Run(runCtx); err != nil {
				errCh <- fmt.Errorf("%s: %w", s.Name(), err)
				cancel()
				return
			}
			logger.L.Debug("service stopped", "service", s.Name())
		}(s)
	}

	<-runCtx.Done()
	wg.Wait()
	close(errCh)

	var err error
	for srvErr := range errCh {
		err = multierror.Append(err, srvErr)
	}
	return err
}
