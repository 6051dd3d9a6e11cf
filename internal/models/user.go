package models

const RoleAdmin = "admin"

// Identity is the authenticated caller of an engine operation. It is built
// per request by the auth middleware and never stored inside the engine.
type Identity struct {
	PlayerID  string `json:"player_id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role,omitempty"`
}

// System is the identity used by the sweeper and admin tooling.
var System = Identity{PlayerID: "system", SessionID: "system", Role: RoleAdmin}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}
