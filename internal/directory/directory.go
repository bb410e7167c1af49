// Package directory resolves user ids to profile details. The panel core only
// reads profiles; maintaining them belongs to the user administration surface.
package directory

import (
	"github.com/example/assembly-panel/internal/storage"
)

// Profile is the subset of a user record the engines enrich results with.
type Profile struct {
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
	Email      string `json:"email"`
	Admin      bool   `json:"admin"`
}

// Directory looks up profiles stored as one document per user.
type Directory struct {
	store *storage.Store
}

// New returns a read-only directory over the given store.
func New(store *storage.Store) *Directory {
	return &Directory{store: store}
}

func (d *Directory) profilePath(userID string) string {
	return d.store.Path("users", userID, "profile.json")
}

// Get returns the profile for userID. The second result is false when no
// profile document exists.
func (d *Directory) Get(userID string) (Profile, bool, error) {
	var profile Profile
	exists, err := d.store.ReadDocument(d.profilePath(userID), &profile)
	if err != nil || !exists {
		return Profile{}, false, err
	}
	if profile.UserID == "" {
		profile.UserID = userID
	}
	return profile, true, nil
}

// Resolve maps each known id to its profile, skipping unknown ids.
func (d *Directory) Resolve(userIDs []string) (map[string]Profile, error) {
	resolved := make(map[string]Profile, len(userIDs))
	for _, id := range userIDs {
		if _, ok := resolved[id]; ok {
			continue
		}
		profile, exists, err := d.Get(id)
		if err != nil {
			return nil, err
		}
		if exists {
			resolved[id] = profile
		}
	}
	return resolved, nil
}

// MissingUserIDs returns the subset of ids with no stored profile.
func (d *Directory) MissingUserIDs(userIDs []string) ([]string, error) {
	var missing []string
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		_, exists, err := d.Get(id)
		if err != nil {
			return nil, err
		}
		if !exists {
			missing = append(missing, id)
		}
	}
	return missing, nil
}
