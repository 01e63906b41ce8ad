package service

import (
	"context"

	"github.com/pinchtab/pinchtab/internal/domain"
)

// ProfileInstanceStatus is the instance summary shown for a profile.
type ProfileInstanceStatus struct {
	Name    string                `json:"name"`
	Running bool                  `json:"running"`
	Status  domain.InstanceStatus `json:"status,omitempty"`
	Port    string                `json:"port,omitempty"`
	ID      string                `json:"id,omitempty"`
}

func (s *Service) CreateProfile(ctx context.Context, name string, meta domain.ProfileMeta) (*domain.Profile, error) {
	p, err := s.profiles.Create(ctx, name, meta)
	if err != nil {
		return nil, err
	}
	s.publish(domain.EventTypeProfileCreated, p)
	return p, nil
}

func (s *Service) ImportProfile(ctx context.Context, name, source string, meta domain.ProfileMeta) (*domain.Profile, error) {
	p, err := s.profiles.Import(ctx, name, source, meta)
	if err != nil {
		return nil, err
	}
	s.publish(domain.EventTypeProfileCreated, p)
	return p, nil
}

// ListProfiles returns profile records with their running flag filled in.
func (s *Service) ListProfiles(ctx context.Context, all bool) ([]domain.Profile, error) {
	list, err := s.profiles.List(ctx, all)
	if err != nil {
		return nil, err
	}
	for i := range list {
		_, list[i].Running = s.registry.ActiveForProfile(list[i].Name)
	}
	return list, nil
}

func (s *Service) GetProfile(ctx context.Context, nameOrID string) (*domain.Profile, error) {
	p, err := s.profiles.Get(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	_, p.Running = s.registry.ActiveForProfile(p.Name)
	return p, nil
}

// UpdateProfile applies a patch. Renaming a profile with a live instance is
// rejected because the child holds the directory open.
func (s *Service) UpdateProfile(ctx context.Context, nameOrID string, patch domain.ProfilePatch) (*domain.Profile, error) {
	cur, err := s.profiles.Get(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	name := cur.Name
	renaming := patch.Name != nil && *patch.Name != name

	names := []string{name}
	if renaming {
		names = append(names, *patch.Name)
	}
	unlock := s.registry.LockProfiles(names...)
	defer unlock()

	if renaming {
		if inst, ok := s.registry.ActiveForProfile(name); ok {
			return nil, domain.NewError(domain.KindInUse, "profile %q is in use by instance %s (%s)", name, inst.ID, inst.Status)
		}
	}

	p, err := s.profiles.Patch(ctx, name, patch)
	if err != nil {
		return nil, err
	}
	_, p.Running = s.registry.ActiveForProfile(p.Name)
	s.publish(domain.EventTypeProfileUpdated, map[string]interface{}{"previousName": name, "profile": p})
	return p, nil
}

// DeleteProfile removes a profile. With force a live instance is stopped
// first; otherwise a live instance makes the delete fail.
func (s *Service) DeleteProfile(ctx context.Context, nameOrID string, force bool) error {
	cur, err := s.profiles.Get(ctx, nameOrID)
	if err != nil {
		return err
	}
	name := cur.Name

	unlock := s.registry.LockProfile(name)
	defer unlock()

	if inst, ok := s.registry.ActiveForProfile(name); ok {
		if !force {
			return domain.NewError(domain.KindInUse, "profile %q is in use by instance %s (%s)", name, inst.ID, inst.Status)
		}
		if _, err := s.stopLocked(ctx, inst.ID, true); err != nil {
			return err
		}
	}

	if err := s.profiles.Delete(ctx, name); err != nil {
		return err
	}
	s.publish(domain.EventTypeProfileDeleted, map[string]string{"name": name, "id": cur.ID})
	return nil
}

// ResetProfile clears browsing data of an idle profile.
func (s *Service) ResetProfile(ctx context.Context, nameOrID string) error {
	cur, err := s.profiles.Get(ctx, nameOrID)
	if err != nil {
		return err
	}
	name := cur.Name

	unlock := s.registry.LockProfile(name)
	defer unlock()

	if inst, ok := s.registry.ActiveForProfile(name); ok {
		return domain.NewError(domain.KindInUse, "profile %q is in use by instance %s (%s)", name, inst.ID, inst.Status)
	}
	if err := s.profiles.Reset(ctx, name); err != nil {
		return err
	}
	s.publish(domain.EventTypeProfileUpdated, map[string]interface{}{"previousName": name, "profile": cur})
	return nil
}

// ProfileInstance reports the latest instance of a profile.
func (s *Service) ProfileInstance(ctx context.Context, nameOrID string) (*ProfileInstanceStatus, error) {
	p, err := s.profiles.Get(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	status := &ProfileInstanceStatus{Name: p.Name}
	inst, ok := s.registry.ActiveForProfile(p.Name)
	if !ok {
		inst, ok = s.registry.LatestForProfile(p.Name)
	}
	if ok {
		status.Running = inst.Status == domain.InstanceStatusRunning
		status.Status = inst.Status
		status.Port = inst.Port
		status.ID = inst.ID
	}
	return status, nil
}
