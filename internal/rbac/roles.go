package rbac

// Role names carried in access tokens.
const (
	// RoleAdmin sees every user's calls and reports.
	RoleAdmin = "admin"
	// RoleAgent places and cancels calls.
	RoleAgent = "agent"
	// RoleViewer only reads dashboards.
	RoleViewer = "viewer"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// Known reports whether role is one the api grants access to.
func Known(role string) bool {
	switch role {
	case RoleAdmin, RoleAgent, RoleViewer:
		return true
	}
	return false
}
