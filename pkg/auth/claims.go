package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/residenza/backoffice/pkg/enums"
)

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	// Subject identifies the staff member or kiosk.
	Subject string
	Role    enums.StaffRole
	JTI     string
}

// AccessTokenClaims represents the typed JWT presented by back-office clients.
type AccessTokenClaims struct {
	Role enums.StaffRole `json:"role"`
	jwt.RegisteredClaims
}
