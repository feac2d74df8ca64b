package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
// Customer and agent are also the two signaling roles of a call.
const (
	RoleCustomer   = "customer"
	RoleAgent      = "agent"
	RoleSupervisor = "supervisor"
	RoleAnalyst    = "analyst" // external analysis service pushing insights
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// IsCallParticipant reports whether role may open a signaling channel as a
// call party.
func IsCallParticipant(role string) bool { return role == RoleCustomer || role == RoleAgent }

func IsValid(role string) bool {
	switch role {
	case RoleCustomer, RoleAgent, RoleSupervisor, RoleAnalyst, RoleSuperAdmin:
		return true
	default:
		return false
	}
}
