package profiles

import (
	"context"
	"io/fs"
	"math"
	"path/filepath"
)

func dirSizeMB(dir string) float64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return math.Round(float64(total)/(1024*1024)*100) / 100
}

// RefreshSizes recomputes the on-disk size and Chrome identity of every
// profile. It walks whole directories and is meant for a background loop.
func (m *Manager) RefreshSizes(ctx context.Context) error {
	records, err := m.store.ListProfiles(ctx)
	if err != nil {
		return err
	}
	for i := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := &records[i]
		size := dirSizeMB(p.Path)
		if size != p.SizeMB {
			if err := m.store.UpdateProfileSize(ctx, p.Name, size); err != nil {
				m.log.WithError(err).WithField("profile", p.Name).Warn("failed to store profile size")
			}
		}

		id := readChromeProfileIdentity(p.Path)
		if id.ProfileName != p.ChromeProfileName || id.Email != p.AccountEmail ||
			id.AccountName != p.AccountName || id.HasAccount != p.HasAccount {
			applyIdentity(p, id)
			if err := m.store.UpdateProfile(ctx, p); err != nil {
				m.log.WithError(err).WithField("profile", p.Name).Warn("failed to store profile identity")
			}
		}
	}
	return nil
}
