package model

import "slices"

// UserRecord is the persisted user document. RefreshTokens holds every refresh
// token currently valid for the user, one per active session.
type UserRecord struct {
	Name          string   `json:"name"`
	Roles         []string `json:"roles"`
	RefreshTokens []string `json:"refreshTokens"`
	PasswordHash  string   `json:"-"`
	// Revision is the datastore's optimistic concurrency token.
	Revision string `json:"-"`
}

func (u *UserRecord) HasRefreshToken(token string) bool {
	return slices.Contains(u.RefreshTokens, token)
}

// RemoveRefreshToken deletes every occurrence of token and reports whether
// anything was removed.
func (u *UserRecord) RemoveRefreshToken(token string) bool {
	before := len(u.RefreshTokens)
	u.RefreshTokens = slices.DeleteFunc(u.RefreshTokens, func(t string) bool { return t == token })
	return len(u.RefreshTokens) != before
}

func (u *UserRecord) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

func (u *UserRecord) Clone() *UserRecord {
	if u == nil {
		return nil
	}
	c := *u
	c.Roles = slices.Clone(u.Roles)
	c.RefreshTokens = slices.Clone(u.RefreshTokens)
	return &c
}
