package profiles

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pinchtab/pinchtab/internal/domain"
)

type chromeIdentity struct {
	ProfileName string
	Email       string
	AccountName string
	HasAccount  bool
}

func applyIdentity(p *domain.Profile, id chromeIdentity) {
	p.ChromeProfileName = id.ProfileName
	p.AccountEmail = id.Email
	p.AccountName = id.AccountName
	p.HasAccount = id.HasAccount
}

// readChromeProfileIdentity merges the account found in Default/Preferences
// with the profile info cache in Local State; Preferences wins.
func readChromeProfileIdentity(profileRoot string) chromeIdentity {
	ls := readLocalStateIdentity(filepath.Join(profileRoot, "Local State"))
	prefs := readPreferencesIdentity(filepath.Join(profileRoot, "Default", "Preferences"))

	id := chromeIdentity{
		ProfileName: ls.ProfileName,
		Email:       prefs.Email,
		AccountName: prefs.AccountName,
	}
	if id.Email == "" {
		id.Email = ls.Email
	}
	if id.AccountName == "" {
		id.AccountName = ls.AccountName
	}
	id.HasAccount = prefs.HasAccount || ls.HasAccount || id.Email != ""
	return id
}

func readPreferencesIdentity(path string) chromeIdentity {
	var prefs struct {
		AccountInfo []struct {
			Email    string `json:"email"`
			FullName string `json:"full_name"`
			GaiaName string `json:"gaia_name"`
			GaiaID   string `json:"gaia"`
		} `json:"account_info"`
	}
	if !readJSON(path, &prefs) {
		return chromeIdentity{}
	}

	for _, account := range prefs.AccountInfo {
		name := account.FullName
		if name == "" {
			name = account.GaiaName
		}
		if account.Email != "" || account.GaiaID != "" || name != "" {
			return chromeIdentity{Email: account.Email, AccountName: name, HasAccount: true}
		}
	}
	return chromeIdentity{}
}

func readLocalStateIdentity(path string) chromeIdentity {
	var state struct {
		Profile struct {
			InfoCache map[string]struct {
				Name                       string `json:"name"`
				UserName                   string `json:"user_name"`
				GaiaName                   string `json:"gaia_name"`
				GaiaID                     string `json:"gaia_id"`
				IsConsentedPrimaryAccount  bool   `json:"is_consented_primary_account"`
				HasConsentedPrimaryAccount bool   `json:"has_consented_primary_account"`
			} `json:"info_cache"`
		} `json:"profile"`
	}
	if !readJSON(path, &state) || len(state.Profile.InfoCache) == 0 {
		return chromeIdentity{}
	}

	entry, ok := state.Profile.InfoCache["Default"]
	if !ok {
		for _, v := range state.Profile.InfoCache {
			entry = v
			break
		}
	}

	return chromeIdentity{
		ProfileName: entry.Name,
		Email:       entry.UserName,
		AccountName: entry.GaiaName,
		HasAccount:  entry.UserName != "" || entry.GaiaID != "" || entry.IsConsentedPrimaryAccount || entry.HasConsentedPrimaryAccount,
	}
}

type profileMeta struct {
	ID          string `json:"id,omitempty"`
	UseWhen     string `json:"useWhen,omitempty"`
	Description string `json:"description,omitempty"`
}

func readProfileMeta(profileDir string) profileMeta {
	var meta profileMeta
	readJSON(filepath.Join(profileDir, metaFile), &meta)
	return meta
}

// writeProfileMeta mirrors the record into the directory so a profile keeps its
// metadata when it is copied elsewhere. Failures are not fatal.
func writeProfileMeta(profileDir string, p *domain.Profile) {
	data, err := json.MarshalIndent(profileMeta{ID: p.ID, UseWhen: p.UseWhen, Description: p.Description}, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(profileDir, metaFile), data, 0o644)
}

func readJSON(path string, out interface{}) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}
