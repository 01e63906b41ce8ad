package service

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/pinchtab/pinchtab/internal/domain"
	"github.com/pinchtab/pinchtab/internal/supervisor"
)

// Reconcile re-adopts children left running by an earlier orchestrator.
// Journal entries whose process is gone or no longer answers are dropped.
// A child whose profile record is missing gets one back-filled when its
// directory still exists, otherwise it is tracked as an orphan that can
// only be stopped.
func (s *Service) Reconcile(ctx context.Context) error {
	entries, err := s.store.ListInstances(ctx)
	if err != nil {
		return err
	}

	for _, e := range entries {
		log := s.log.WithFields(logrus.Fields{"instance": e.ID, "profile": e.ProfileName, "port": e.Port, "pid": e.PID})

		if e.PID <= 0 || !supervisor.Alive(e.PID) {
			s.dropJournal(ctx, e.ID)
			continue
		}
		url, ok, detail := s.client.Probe(ctx, e.Port)
		if !ok {
			log.WithField("probe", detail).Info("journaled process is not a healthy child, forgetting it")
			s.dropJournal(ctx, e.ID)
			continue
		}

		inst := domain.Instance{
			ID:        e.ID,
			ProfileID: domain.ProfileID(e.ProfileName),
			Name:      e.ProfileName,
			Port:      e.Port,
			Headless:  e.Headless,
			StartTime: e.StartedAt,
		}

		prof, err := s.profiles.Get(ctx, e.ProfileName)
		switch {
		case err == nil:
			inst.ProfileID = prof.ID
		case errors.Is(err, domain.ErrNotFound):
			p, created, bfErr := s.profiles.BackfillFromInstance(ctx, e.ProfileName)
			if bfErr != nil {
				if !errors.Is(bfErr, domain.ErrNotFound) {
					log.WithError(bfErr).Warn("failed to back-fill profile")
				}
				inst.Name = "orphan-" + e.Port
				inst.Orphaned = true
				break
			}
			inst.ProfileID = p.ID
			if created {
				log.Info("back-filled profile record for running instance")
				s.publish(domain.EventTypeProfileCreated, p)
			}
		default:
			return err
		}

		if _, err := s.registry.Reserve(inst); err != nil {
			log.WithError(err).Warn("cannot re-adopt instance")
			continue
		}
		proc := s.supervisor.Adopt(e.PID)
		s.registry.Attach(inst.ID, proc, nil)

		adopted, ok := s.transition(inst.ID, domain.InstanceStatusRunning, func(i *domain.Instance) { i.URL = url })
		if ok {
			log.WithField("orphaned", adopted.Orphaned).Info("re-adopted running instance")
			s.startChildRelay(adopted)
		}

		s.wg.Add(1)
		go func(id string, p *supervisor.Process) {
			defer s.wg.Done()
			<-p.Done()
			s.handleExit(id, p)
		}(inst.ID, proc)
	}
	return nil
}

func (s *Service) dropJournal(ctx context.Context, id string) {
	if err := s.store.DeleteInstance(ctx, id); err != nil {
		s.log.WithError(err).WithField("instance", id).Warn("failed to drop journal entry")
	}
}
