package auth

// Role names carried in JWT claims.
const (
	RoleOwner     = "owner"
	RoleVerifier  = "verifier"
	RoleAuthority = "authority"
	RoleAdmin     = "admin"
)

// Principal is any entity making a request. The ID doubles as the
// account name at the asset backend.
type Principal interface {
	GetID() string
	GetRoles() []string
	HasRole(role string) bool
}

// BasePrincipal is a simple implementation of Principal.
type BasePrincipal struct {
	ID    string
	Roles []string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetRoles() []string {
	return b.Roles
}

// HasRole reports whether the principal carries a role. Admins carry
// every role implicitly.
func (b *BasePrincipal) HasRole(role string) bool {
	for _, r := range b.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}
