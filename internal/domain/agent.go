package domain

// AgentRole enumerates agent privileges carried in access tokens.
type AgentRole string

const (
	AgentRoleAgent AgentRole = "AGENT"
	AgentRoleAdmin AgentRole = "ADMIN"
)

// Valid reports whether r is a known role.
func (r AgentRole) Valid() bool {
	switch r {
	case AgentRoleAgent, AgentRoleAdmin:
		return true
	}
	return false
}

// Agent is a support operator. Agents are owned by the identity provider; the
// service only sees them through token claims.
type Agent struct {
	ID    string
	Name  string
	Email string
	Role  AgentRole
}
