package models

// Roles, in increasing order of privilege. Managers administer the exam
// and may edit system rubrics; leads may edit other people's rubrics
// under the per-user policy; markers only grade.
const (
	RoleMarker  = "marker"
	RoleLead    = "lead"
	RoleManager = "manager"
)

var rolePriorities = map[string]int{
	RoleMarker:  1,
	RoleLead:    2,
	RoleManager: 3,
}

type User struct {
	Username string `db:"username" json:"username" validate:"required"`
	Role     string `db:"role" json:"role" validate:"required,oneof=marker lead manager"`
}

func (u User) IsManager() bool { return u.Role == RoleManager }

// IsLead is true for leads and anyone above them.
func (u User) IsLead() bool {
	return rolePriorities[u.Role] >= rolePriorities[RoleLead]
}
