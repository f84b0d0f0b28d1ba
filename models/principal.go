package models

// Role is the authorisation role carried in a caller's token
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReviewer Role = "reviewer"
	RoleCaller   Role = "caller"
)

// Principal is the authenticated identity behind a request
type Principal struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Role    Role   `json:"role"`
}

// IsAdmin returns true if the principal has the admin role
func (p *Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// CanReview returns true if the principal may decide on reviews
func (p *Principal) CanReview() bool {
	return p.Role == RoleAdmin || p.Role == RoleReviewer
}
