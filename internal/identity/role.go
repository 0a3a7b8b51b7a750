package identity

import (
	"encoding/json"
	"fmt"
)

// Role is one of exactly four participant kinds in the tetrahedral mesh. A
// node holds one role for its entire lifetime; there is no dynamic role change.
type Role uint8

const (
	RoleCoordinator Role = iota
	RoleExecutor
	RoleReferee
	RoleDevelopment
)

// NumRoles is the fixed vertex count of the mesh.
const NumRoles = 4

// AllRoles lists every role in declaration order.
var AllRoles = [NumRoles]Role{RoleCoordinator, RoleExecutor, RoleReferee, RoleDevelopment}

var roleNames = [NumRoles]string{"coordinator", "executor", "referee", "development"}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// ParseRole converts a role name to a Role.
func ParseRole(s string) (Role, error) {
	for i, name := range roleNames {
		if name == s {
			return Role(i), nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Valid reports whether r is one of the four defined roles.
func (r Role) Valid() bool {
	return int(r) < NumRoles
}

func (r Role) MarshalJSON() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("marshal invalid role %d", uint8(r))
	}
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
