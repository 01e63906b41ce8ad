// Package service implements the orchestrator commands and background monitors.
package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pinchtab/pinchtab/internal/adapter/instanceclient"
	"github.com/pinchtab/pinchtab/internal/config"
	"github.com/pinchtab/pinchtab/internal/domain"
	"github.com/pinchtab/pinchtab/internal/events"
	"github.com/pinchtab/pinchtab/internal/logging"
	"github.com/pinchtab/pinchtab/internal/policy"
	"github.com/pinchtab/pinchtab/internal/profiles"
	"github.com/pinchtab/pinchtab/internal/registry"
	"github.com/pinchtab/pinchtab/internal/repository"
	"github.com/pinchtab/pinchtab/internal/supervisor"
)

// Service coordinates the profile store, the instance registry and the
// process supervisor, and publishes every state change on the bus.
type Service struct {
	store        repository.Store
	profiles     *profiles.Manager
	registry     *registry.Registry
	supervisor   *supervisor.Supervisor
	client       *instanceclient.Client
	bus          *events.Bus
	tracker      *events.Tracker
	config       *config.Config
	policyEngine *policy.Engine
	log          *logrus.Entry

	wg sync.WaitGroup

	mu          sync.Mutex
	childRelays map[string]context.CancelFunc
	onEnded     []func(domain.Instance)
}

func New(store repository.Store, profileManager *profiles.Manager, reg *registry.Registry, sup *supervisor.Supervisor,
	client *instanceclient.Client, bus *events.Bus, tracker *events.Tracker, cfg *config.Config, policyEngine *policy.Engine) *Service {
	s := &Service{
		store:        store,
		profiles:     profileManager,
		registry:     reg,
		supervisor:   sup,
		client:       client,
		bus:          bus,
		tracker:      tracker,
		config:       cfg,
		policyEngine: policyEngine,
		log:          logging.NewLogger("service"),
		childRelays:  make(map[string]context.CancelFunc),
	}
	tracker.AddObserver(s.persistAction)
	return s
}

// Registry exposes the instance registry to read-only callers such as the relay.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Client returns the child HTTP client.
func (s *Service) Client() *instanceclient.Client { return s.client }

// Tracker returns the agent activity tracker.
func (s *Service) Tracker() *events.Tracker { return s.tracker }

// Bus returns the status event bus.
func (s *Service) Bus() *events.Bus { return s.bus }

// OrchestratorPort is the port the orchestrator itself listens on.
func (s *Service) OrchestratorPort() string { return strconv.Itoa(s.config.Port) }

// OnInstanceEnded registers fn to run after an instance reaches a terminal state.
func (s *Service) OnInstanceEnded(fn func(domain.Instance)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnded = append(s.onEnded, fn)
}

// Run starts the background monitors and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.RunTabPoller(ctx)
		return nil
	})
	g.Go(func() error {
		s.RunSizeRefresher(ctx)
		return nil
	})
	g.Go(func() error {
		s.RunPruner(ctx)
		return nil
	})
	g.Go(func() error {
		s.tracker.RunReaper(ctx, s.config.ReaperInterval)
		return nil
	})
	g.Go(func() error {
		err := s.profiles.Watch(ctx, func(p domain.Profile) {
			s.publish(domain.EventTypeProfileCreated, p)
		})
		if err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("profile directory watch stopped")
		}
		return nil
	})

	return g.Wait()
}

// Shutdown stops every live instance concurrently and waits for the
// per-instance goroutines to finish.
func (s *Service) Shutdown(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range s.registry.Active() {
		id := inst.ID
		g.Go(func() error {
			if _, err := s.Stop(gctx, id, true); err != nil {
				s.log.WithError(err).WithField("instance", id).Warn("failed to stop instance during shutdown")
			}
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	for id, cancel := range s.childRelays {
		cancel()
		delete(s.childRelays, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) publish(t domain.EventType, data interface{}) {
	s.bus.Publish(domain.Event{Type: t, Data: data, Timestamp: time.Now()})
}
