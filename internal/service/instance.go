package service

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pinchtab/pinchtab/internal/adapter/instanceclient"
	"github.com/pinchtab/pinchtab/internal/domain"
	"github.com/pinchtab/pinchtab/internal/policy"
	"github.com/pinchtab/pinchtab/internal/supervisor"
)

func newInstanceID() string {
	return "inst_" + uuid.New().String()[:8]
}

// Launch starts a child bound to profile name. It returns as soon as the
// process is spawned; the instance is in the starting state until its
// health check passes. An empty or "0" port picks a free one.
func (s *Service) Launch(ctx context.Context, name, port string, headless bool) (*domain.Instance, error) {
	if name == "" {
		return nil, domain.NewError(domain.KindValidation, "profile name is required")
	}
	prof, err := s.profiles.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	unlock := s.registry.LockProfile(prof.Name)
	defer unlock()

	// Re-read under the lock, the profile may have been renamed or deleted.
	prof, err = s.profiles.Get(ctx, prof.Name)
	if err != nil {
		return nil, err
	}

	if cur, ok := s.registry.ActiveForProfile(prof.Name); ok {
		return nil, domain.NewError(domain.KindAlreadyRunning, "profile %q already has an active instance (%s, %s)", prof.Name, cur.ID, cur.Status)
	}

	inst := domain.Instance{
		ID:        newInstanceID(),
		ProfileID: prof.ID,
		Name:      prof.Name,
		Headless:  headless,
	}

	runner := s.supervisor.Runner()
	if port == "" || port == "0" {
		inst, err = s.registry.ReserveAuto(inst, s.config.InstancePortStart, s.config.InstancePortEnd, func(p string) bool {
			return p != s.OrchestratorPort() && runner.IsPortAvailable(p)
		})
		if err != nil {
			return nil, err
		}
		if err := s.admit(ctx, inst); err != nil {
			s.registry.Release(inst.ID)
			return nil, err
		}
	} else {
		inst.Port = port
		if err := s.admit(ctx, inst); err != nil {
			return nil, err
		}
		if owner, taken := s.registry.PortOwner(port); taken {
			return nil, domain.NewError(domain.KindPortInUse, "port %s is already reserved by %s", port, owner)
		}
		if !runner.IsPortAvailable(port) {
			return nil, domain.NewError(domain.KindPortInUse, "port %s is already in use on this host", port)
		}
		inst, err = s.registry.Reserve(inst)
		if err != nil {
			return nil, err
		}
	}

	log := s.log.WithFields(logrus.Fields{"instance": inst.ID, "profile": inst.Name, "port": inst.Port})
	s.publish(domain.EventTypeInstanceStarting, inst)

	proc, err := s.supervisor.Spawn(s.launchSpec(inst))
	if err != nil {
		log.WithError(err).Error("failed to spawn child")
		s.transition(inst.ID, domain.InstanceStatusError, func(i *domain.Instance) { i.Error = err.Error() })
		return nil, err
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	s.registry.Attach(inst.ID, proc, cancel)
	inst.PID = proc.PID()

	if err := s.store.SaveInstance(ctx, &domain.InstanceJournalEntry{
		ID:          inst.ID,
		ProfileName: inst.Name,
		Port:        inst.Port,
		PID:         inst.PID,
		Headless:    inst.Headless,
		StartedAt:   inst.StartTime,
	}); err != nil {
		log.WithError(err).Warn("failed to journal instance")
	}

	s.wg.Add(1)
	go s.supervise(healthCtx, inst.ID, inst.Port, proc)

	log.WithField("pid", inst.PID).Info("instance starting")
	if cur, ok := s.registry.Get(inst.ID); ok {
		return &cur, nil
	}
	return &inst, nil
}

// admit applies the fixed port rules and the launch policy.
func (s *Service) admit(ctx context.Context, inst domain.Instance) error {
	portNum, err := strconv.Atoi(inst.Port)
	if err != nil {
		return domain.NewError(domain.KindValidation, "invalid port %q", inst.Port)
	}
	if portNum == s.config.Port {
		return domain.NewError(domain.KindPortInUse, "port %d is used by the orchestrator", portNum)
	}
	if s.policyEngine == nil {
		return nil
	}

	decision, err := s.policyEngine.EvaluateLaunch(ctx, policy.LaunchInput{
		Profile:          inst.Name,
		Port:             portNum,
		Headless:         inst.Headless,
		OrchestratorPort: s.config.Port,
	})
	if err != nil {
		return err
	}
	if decision.Allow {
		return nil
	}

	kind := domain.ErrorKind(decision.Code)
	switch kind {
	case domain.KindValidation, domain.KindPortInUse, domain.KindPolicyDenied:
	default:
		kind = domain.KindPolicyDenied
	}
	return domain.NewError(kind, "launch rejected: %s", decision.Reason)
}

func (s *Service) launchSpec(inst domain.Instance) supervisor.LaunchSpec {
	env := map[string]string{
		"BRIDGE_PORT":         inst.Port,
		"BRIDGE_PROFILE":      s.profiles.Dir(inst.Name),
		"BRIDGE_STATE_DIR":    s.profiles.StateDir(inst.Name),
		"BRIDGE_HEADLESS":     strconv.FormatBool(inst.Headless),
		"BRIDGE_NO_RESTORE":   "true",
		"BRIDGE_NO_DASHBOARD": "true",
	}
	if token := s.client.Token(); token != "" {
		env["BRIDGE_TOKEN"] = token
	}
	return supervisor.LaunchSpec{
		Binary: s.config.BridgeBinary,
		Args:   s.config.BridgeArgs,
		Env:    supervisor.MergeEnv(os.Environ(), env),
		Dir:    s.profiles.Dir(inst.Name),
	}
}

// supervise runs for the whole life of a child: health check first, then
// exit detection.
func (s *Service) supervise(healthCtx context.Context, id, port string, proc *supervisor.Process) {
	defer s.wg.Done()
	log := s.log.WithField("instance", id)

	url, err := s.supervisor.WaitHealthy(healthCtx, proc, func(ctx context.Context) (string, bool, string) {
		return s.client.Probe(ctx, port)
	})
	switch {
	case err == nil:
		if inst, ok := s.transition(id, domain.InstanceStatusRunning, func(i *domain.Instance) { i.URL = url }); ok {
			log.WithField("url", url).Info("instance running")
			s.startChildRelay(inst)
		}
	case healthCtx.Err() != nil:
		// Stopped while starting; the stop path owns termination.
	default:
		log.WithError(err).Warn("instance failed to start")
		if !proc.Exited() {
			if termErr := s.supervisor.Terminate(context.Background(), proc, nil); termErr != nil {
				log.WithError(termErr).Error("failed to terminate unhealthy child")
			}
		}
		s.transition(id, domain.InstanceStatusError, func(i *domain.Instance) { i.Error = err.Error() })
	}

	<-proc.Done()
	s.handleExit(id, proc)
}

func (s *Service) handleExit(id string, proc *supervisor.Process) {
	inst, ok := s.registry.Get(id)
	if !ok {
		return
	}
	switch inst.Status {
	case domain.InstanceStatusStarting, domain.InstanceStatusRunning:
		msg := "exited unexpectedly"
		if err := proc.ExitErr(); err != nil {
			msg += ": " + err.Error()
		}
		if tail := proc.Logs().LastLine(); tail != "" {
			msg += " | " + tail
		}
		s.log.WithFields(logrus.Fields{"instance": id, "pid": proc.PID()}).Warn("instance " + msg)
		s.transition(id, domain.InstanceStatusError, func(i *domain.Instance) { i.Error = msg })
	case domain.InstanceStatusStopping:
		s.transition(id, domain.InstanceStatusStopped, nil)
	}
}

// transition applies a state change and publishes it. Terminal states also
// drop the journal entry and notify end-of-life hooks.
func (s *Service) transition(id string, to domain.InstanceStatus, mutate func(*domain.Instance)) (domain.Instance, bool) {
	inst, ok := s.registry.Transition(id, to, mutate)
	if !ok {
		return inst, false
	}
	s.publish(domain.InstanceEventType(to), inst)

	if to.Terminal() {
		s.stopChildRelay(id)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.store.DeleteInstance(ctx, id); err != nil {
			s.log.WithError(err).WithField("instance", id).Warn("failed to drop journal entry")
		}
		cancel()

		s.mu.Lock()
		hooks := append([]func(domain.Instance){}, s.onEnded...)
		s.mu.Unlock()
		for _, fn := range hooks {
			fn(inst)
		}
	}
	return inst, true
}

// Stop moves an instance to stopping and terminates it. With wait the call
// returns once the child is gone; otherwise termination continues in the
// background. Stopping a terminal instance is a no-op.
func (s *Service) Stop(ctx context.Context, id string, wait bool) (*domain.Instance, error) {
	inst, ok := s.registry.Get(id)
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, "instance %q not found", id)
	}

	unlock := s.registry.LockProfile(inst.Name)
	defer unlock()
	return s.stopLocked(ctx, id, wait)
}

func (s *Service) stopLocked(ctx context.Context, id string, wait bool) (*domain.Instance, error) {
	inst, ok := s.transition(id, domain.InstanceStatusStopping, nil)
	if !ok {
		cur, exists := s.registry.Get(id)
		if !exists {
			return nil, domain.NewError(domain.KindNotFound, "instance %q not found", id)
		}
		if cur.Status == domain.InstanceStatusStopping && wait {
			return s.waitTerminal(ctx, id)
		}
		return &cur, nil
	}
	s.registry.CancelHealthCheck(id)
	s.log.WithFields(logrus.Fields{"instance": id, "profile": inst.Name}).Info("stopping instance")

	if wait {
		err := s.terminate(ctx, id)
		cur, _ := s.registry.Get(id)
		return &cur, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.terminate(context.Background(), id)
	}()
	return &inst, nil
}

func (s *Service) terminate(ctx context.Context, id string) error {
	inst, _ := s.registry.Get(id)
	proc, ok := s.registry.Process(id)
	if !ok {
		s.transition(id, domain.InstanceStatusStopped, nil)
		return nil
	}

	base := instanceclient.BaseURLFor(inst)
	err := s.supervisor.Terminate(ctx, proc, func(gctx context.Context) error {
		return s.client.Shutdown(gctx, base)
	})
	if err != nil {
		s.log.WithError(err).WithField("instance", id).Error("failed to stop instance")
		s.transition(id, domain.InstanceStatusError, func(i *domain.Instance) { i.Error = err.Error() })
		return err
	}
	s.transition(id, domain.InstanceStatusStopped, nil)
	return nil
}

func (s *Service) waitTerminal(ctx context.Context, id string) (*domain.Instance, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		cur, ok := s.registry.Get(id)
		if !ok {
			return nil, domain.NewError(domain.KindNotFound, "instance %q not found", id)
		}
		if cur.Status.Terminal() {
			return &cur, nil
		}
		select {
		case <-ctx.Done():
			return &cur, domain.WrapError(domain.KindTimeout, ctx.Err(), "instance %s still stopping", id)
		case <-ticker.C:
		}
	}
}

// StopProfile stops the live instance bound to a profile.
func (s *Service) StopProfile(ctx context.Context, name string, wait bool) (*domain.Instance, error) {
	if prof, err := s.profiles.Get(ctx, name); err == nil {
		name = prof.Name
	}
	inst, ok := s.registry.ActiveForProfile(name)
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, "profile %q has no active instance", name)
	}
	return s.Stop(ctx, inst.ID, wait)
}

// ListInstances returns all tracked instances. It never contacts children.
func (s *Service) ListInstances() []domain.Instance {
	return s.registry.List()
}

// GetInstance returns one instance record.
func (s *Service) GetInstance(id string) (*domain.Instance, error) {
	inst, ok := s.registry.Get(id)
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, "instance %q not found", id)
	}
	return &inst, nil
}

// Logs returns the captured output of an instance, optionally only the last lines.
func (s *Service) Logs(id string, lines int) (string, error) {
	if _, ok := s.registry.Get(id); !ok {
		return "", domain.NewError(domain.KindNotFound, "instance %q not found", id)
	}
	proc, ok := s.registry.Process(id)
	if !ok {
		return "", nil
	}
	return proc.Logs().Tail(lines), nil
}

// MainInstance is the first running instance, the default target of the
// screencast and automation routes.
func (s *Service) MainInstance() (domain.Instance, bool) {
	running := s.registry.Running()
	if len(running) == 0 {
		return domain.Instance{}, false
	}
	return running[0], true
}

// ResolveTab finds the running instance owning tabID, falling back to the
// main instance when the tab is unknown or empty.
func (s *Service) ResolveTab(tabID string) (domain.Instance, error) {
	if tabID != "" {
		if inst, ok := s.registry.FindTab(tabID); ok {
			return inst, nil
		}
	}
	if inst, ok := s.MainInstance(); ok {
		return inst, nil
	}
	return domain.Instance{}, domain.NewError(domain.KindUnavailable, "no running instance")
}

// MainTabs returns the main instance's tabs, asking the child when the
// cache is empty. Failures degrade to an empty list.
func (s *Service) MainTabs(ctx context.Context) []domain.Tab {
	inst, ok := s.MainInstance()
	if !ok {
		return []domain.Tab{}
	}
	if tabs := s.registry.Tabs(inst.ID); len(tabs) > 0 {
		return tabs
	}
	tabs, err := s.client.Tabs(ctx, instanceclient.BaseURLFor(inst))
	if err != nil {
		return []domain.Tab{}
	}
	s.registry.SetTabs(inst.ID, tabs)
	return tabs
}

// AllTabs returns the cached tabs of every running instance.
func (s *Service) AllTabs() []domain.InstanceTab {
	tabs := s.registry.AllTabs()
	if tabs == nil {
		return []domain.InstanceTab{}
	}
	return tabs
}

// AutoLaunch starts the configured default profile, creating it if needed.
func (s *Service) AutoLaunch(ctx context.Context) error {
	name := s.config.DefaultProfile
	if _, err := s.profiles.Get(ctx, name); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if _, err := s.CreateProfile(ctx, name, domain.ProfileMeta{}); err != nil && !errors.Is(err, domain.ErrDuplicateName) {
			return err
		}
	}
	if _, ok := s.registry.ActiveForProfile(name); ok {
		return nil
	}
	_, err := s.Launch(ctx, name, strings.TrimSpace(s.config.DefaultPort), !s.config.DefaultHeaded)
	return err
}
