package model

import "slices"

// Session is the authenticated principal returned by the credential check.
type Session struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

func (s *Session) HasRole(role string) bool {
	return slices.Contains(s.Roles, role)
}
