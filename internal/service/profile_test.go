package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinchtab/pinchtab/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestProfileRunningFlag(t *testing.T) {
	env := newTestEnv(t)
	env.createProfile(t, "work")
	env.createProfile(t, "idle")
	port := fakeChild(t, env.runner)

	inst, err := env.svc.Launch(context.Background(), "work", port, true)
	require.NoError(t, err)
	env.waitStatus(t, inst.ID, domain.InstanceStatusRunning)

	list, err := env.svc.ListProfiles(context.Background(), false)
	require.NoError(t, err)
	running := map[string]bool{}
	for _, p := range list {
		running[p.Name] = p.Running
	}
	assert.True(t, running["work"])
	assert.False(t, running["idle"])

	status, err := env.svc.ProfileInstance(context.Background(), "work")
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, port, status.Port)
	assert.Equal(t, inst.ID, status.ID)

	idle, err := env.svc.ProfileInstance(context.Background(), "idle")
	require.NoError(t, err)
	assert.False(t, idle.Running)
	assert.Empty(t, idle.ID)
}

func TestRenameRejectedWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	env.createProfile(t, "work")
	port := fakeChild(t, env.runner)

	inst, err := env.svc.Launch(context.Background(), "work", port, true)
	require.NoError(t, err)
	env.waitStatus(t, inst.ID, domain.InstanceStatusRunning)

	_, err = env.svc.UpdateProfile(context.Background(), "work", domain.ProfilePatch{Name: strPtr("renamed")})
	assert.True(t, errors.Is(err, domain.ErrInUse), "got %v", err)

	// Metadata edits are allowed while the instance runs.
	p, err := env.svc.UpdateProfile(context.Background(), "work", domain.ProfilePatch{Description: strPtr("daily driver")})
	require.NoError(t, err)
	assert.Equal(t, "daily driver", p.Description)
	assert.True(t, p.Running)
}

func TestRenameIdleProfile(t *testing.T) {
	env := newTestEnv(t)
	env.createProfile(t, "work")

	sub := env.bus.Subscribe(nil)
	defer sub.Close()

	p, err := env.svc.UpdateProfile(context.Background(), "work", domain.ProfilePatch{Name: strPtr("personal")})
	require.NoError(t, err)
	assert.Equal(t, "personal", p.Name)
	assert.Equal(t, domain.ProfileID("personal"), p.ID)

	select {
	case evt := <-sub.C:
		assert.Equal(t, domain.EventTypeProfileUpdated, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("expected profile.updated")
	}

	_, err = env.svc.GetProfile(context.Background(), "work")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestDeleteProfileInUse(t *testing.T) {
	env := newTestEnv(t)
	env.createProfile(t, "work")
	port := fakeChild(t, env.runner)

	inst, err := env.svc.Launch(context.Background(), "work", port, true)
	require.NoError(t, err)
	env.waitStatus(t, inst.ID, domain.InstanceStatusRunning)

	err = env.svc.DeleteProfile(context.Background(), "work", false)
	assert.True(t, errors.Is(err, domain.ErrInUse), "got %v", err)

	err = env.svc.ResetProfile(context.Background(), "work")
	assert.True(t, errors.Is(err, domain.ErrInUse), "got %v", err)

	require.NoError(t, env.svc.DeleteProfile(context.Background(), "work", true))

	cur, err := env.svc.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusStopped, cur.Status)

	_, err = os.Stat(filepath.Join(env.cfg.ProfilesDir, "work"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteProfileByID(t *testing.T) {
	env := newTestEnv(t)
	env.createProfile(t, "work")

	require.NoError(t, env.svc.DeleteProfile(context.Background(), domain.ProfileID("work"), false))

	_, err := env.svc.GetProfile(context.Background(), "work")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestStopProfile(t *testing.T) {
	env := newTestEnv(t)
	env.createProfile(t, "work")
	port := fakeChild(t, env.runner)

	_, err := env.svc.StopProfile(context.Background(), "work", true)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	inst, err := env.svc.Launch(context.Background(), "work", port, true)
	require.NoError(t, err)
	env.waitStatus(t, inst.ID, domain.InstanceStatusRunning)

	stopped, err := env.svc.StopProfile(context.Background(), "work", true)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusStopped, stopped.Status)
}

func TestAutoLaunchCreatesDefaultProfile(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.DefaultProfile = "default"

	require.NoError(t, env.svc.AutoLaunch(context.Background()))

	p, err := env.svc.GetProfile(context.Background(), "default")
	require.NoError(t, err)
	assert.True(t, p.Running)

	// A second call leaves the live instance alone.
	require.NoError(t, env.svc.AutoLaunch(context.Background()))
	assert.Equal(t, 1, env.runner.starts())
}

func TestResetRejectedWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	env.createProfile(t, "work")
	port := fakeChild(t, env.runner)

	inst, err := env.svc.Launch(context.Background(), "work", port, true)
	require.NoError(t, err)
	env.waitStatus(t, inst.ID, domain.InstanceStatusRunning)

	err = env.svc.ResetProfile(context.Background(), "work")
	assert.True(t, errors.Is(err, domain.ErrInUse), "got %v", err)

	_, err = env.svc.Stop(context.Background(), inst.ID, true)
	require.NoError(t, err)
	assert.NoError(t, env.svc.ResetProfile(context.Background(), "work"))
}
