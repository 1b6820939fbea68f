package chatsync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

// Actor is the identified local user a Session acts for.
type Actor struct {
	ID   string     `json:"id"`
	Name string     `json:"name,omitempty"`
	Type SenderType `json:"type"`
}

// Valid reports whether the actor carries an identity.
func (a *Actor) Valid() bool {
	return a != nil && a.ID != ""
}

// ActorFromToken reads the actor identity out of a bearer token's claims.
//
// The signature is not checked; the backend verifies the token on every
// request. The id is taken from the first of sub, userId, id; the name from
// name, username; the role from role, userType.
func ActorFromToken(token string) (*Actor, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return nil, ErrNoActor
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	a := &Actor{
		ID:   firstClaim(claims, "sub", "userId", "id"),
		Name: firstClaim(claims, "name", "username"),
		Type: ParseSenderType(firstClaim(claims, "role", "userType")),
	}
	if a.ID == "" {
		return nil, errors.New("token carries no subject")
	}
	return a, nil
}

func firstClaim(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		switch v := claims[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
