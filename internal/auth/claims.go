package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// UserID is the stable participant identity; it survives reconnects and is
// distinct from any connection id. Name and Phone are display metadata the
// identity provider hands in for customers.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Name      string    `json:"name,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	TokenType TokenType `json:"token_type"`
}

// Identity returns the caller view carried through request contexts.
func (c Claims) Identity() Identity {
	return Identity{UserID: c.UserID, Role: c.Role, Name: c.Name, Phone: c.Phone}
}
