package rbac

type Role string
type Capability string

const (
	RoleViewer  Role = "viewer"
	RoleMember  Role = "member"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

const (
	CapRead     Capability = "read"
	CapComment  Capability = "comment"
	CapModerate Capability = "moderate" // delete any comment, not just your own
)

func Can(role Role, capability Capability) bool {
	switch role {
	case RoleAdmin, RoleManager:
		return true
	case RoleMember:
		return capability == CapRead || capability == CapComment
	case RoleViewer:
		return capability == CapRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleMember, RoleManager, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
