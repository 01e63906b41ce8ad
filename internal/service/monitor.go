package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pinchtab/pinchtab/internal/adapter/instanceclient"
	"github.com/pinchtab/pinchtab/internal/domain"
)

// RunTabPoller refreshes the tab cache of every running instance.
func (s *Service) RunTabPoller(ctx context.Context) {
	ticker := time.NewTicker(s.config.TabPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollTabs(ctx)
		}
	}
}

func (s *Service) pollTabs(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, s.config.TabPollInterval)
	defer cancel()

	g, gctx := errgroup.WithContext(pollCtx)
	g.SetLimit(8)
	for _, inst := range s.registry.Running() {
		inst := inst
		g.Go(func() error {
			tabs, err := s.client.Tabs(gctx, instanceclient.BaseURLFor(inst))
			if err != nil {
				s.log.WithError(err).WithField("instance", inst.ID).Debug("tab poll failed")
				return nil
			}
			s.registry.SetTabs(inst.ID, tabs)
			return nil
		})
	}
	_ = g.Wait()
}

// RunSizeRefresher recomputes profile sizes periodically.
func (s *Service) RunSizeRefresher(ctx context.Context) {
	ticker := time.NewTicker(s.config.SizeRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.profiles.RefreshSizes(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Warn("profile size refresh failed")
			}
		}
	}
}

// RunPruner forgets terminal instances once their retention has passed.
func (s *Service) RunPruner(ctx context.Context) {
	interval := s.config.TerminalRetention / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.registry.Prune(s.config.TerminalRetention); len(removed) > 0 {
				s.log.WithField("instances", removed).Debug("pruned terminal instances")
			}
		}
	}
}

// startChildRelay republishes the child's agent activity on our bus until
// the instance ends.
func (s *Service) startChildRelay(inst domain.Instance) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if prev, ok := s.childRelays[inst.ID]; ok {
		prev()
	}
	s.childRelays[inst.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.relayChildEvents(ctx, inst)
	}()
}

func (s *Service) stopChildRelay(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.childRelays[id]; ok {
		cancel()
		delete(s.childRelays, id)
	}
}

func (s *Service) relayChildEvents(ctx context.Context, inst domain.Instance) {
	log := s.log.WithField("instance", inst.ID)
	base := instanceclient.BaseURLFor(inst)

	for {
		err := s.client.StreamEvents(ctx, base, func(evt instanceclient.SSEEvent) error {
			if evt.Event != string(domain.EventTypeAction) {
				return nil
			}
			activity, err := instanceclient.ParseActivity(evt.Data)
			if err != nil {
				log.WithError(err).Debug("skipping malformed child event")
				return nil
			}
			if activity.Profile == "" && !inst.Orphaned {
				activity.Profile = inst.Name
			}
			s.tracker.Record(*activity)
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.WithError(err).Debug("child event stream ended")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.config.ChildEventsRetry):
		}
	}
}
