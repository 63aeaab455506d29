package identity

import "strings"

const roleAdmin = "admin"

// Identity describes the user on whose behalf the sync core operates.
// It is supplied by the authentication collaborator, never minted here.
type Identity struct {
	UserID      string
	DisplayName string
	Roles       []string
}

// IsAdmin reports whether the identity carries the administrator role.
func (i Identity) IsAdmin() bool {
	for _, role := range i.Roles {
		if strings.EqualFold(strings.TrimSpace(role), roleAdmin) {
			return true
		}
	}
	return false
}
