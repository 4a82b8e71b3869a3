// Package auth inspects and issues the bearer credentials used for the REST
// collaborator and the WebSocket handshake. The client never validates
// signatures; it only reads identity and expiry from the claims.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt"
)

var (
	ErrMalformed = errors.New("malformed credential")
	ErrExpired   = errors.New("credential expired")
)

// Identity is what a credential says about its holder.
type Identity struct {
	UserID    int64
	Username  string
	ExpiresAt time.Time
}

// Expired reports whether the credential is past its exp claim.
func (id Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && !now.Before(id.ExpiresAt)
}

// Inspect reads identity claims without verifying the signature.
func Inspect(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return identityFromClaims(claims)
}

// Check inspects the credential and rejects it when expired.
func Check(token string, now time.Time) (Identity, error) {
	id, err := Inspect(token)
	if err != nil {
		return id, err
	}
	if id.Expired(now) {
		return id, fmt.Errorf("%w at %s", ErrExpired, id.ExpiresAt.Format(time.RFC3339))
	}
	return id, nil
}

// Sign issues an HS256 credential. Used by the devserver.
func Sign(secret []byte, id Identity) (string, error) {
	claims := jwt.MapClaims{
		"sub":    id.Username,
		"userId": id.UserID,
	}
	if !id.ExpiresAt.IsZero() {
		claims["exp"] = id.ExpiresAt.Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify validates an HS256 credential and returns its identity.
func Verify(secret []byte, token string) (Identity, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return Identity{}, ErrExpired
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrMalformed
	}
	return identityFromClaims(claims)
}

func identityFromClaims(claims jwt.MapClaims) (Identity, error) {
	var id Identity

	for _, key := range []string{"userId", "user_id", "uid"} {
		if v, ok := claims[key]; ok {
			n, err := toInt64(v)
			if err != nil {
				return id, fmt.Errorf("%w: claim %s: %v", ErrMalformed, key, err)
			}
			id.UserID = n
			break
		}
	}
	if sub, ok := claims["sub"].(string); ok {
		id.Username = sub
	} else if name, ok := claims["username"].(string); ok {
		id.Username = name
	}
	if id.UserID == 0 && id.Username == "" {
		return id, fmt.Errorf("%w: no subject claims", ErrMalformed)
	}
	if exp, ok := claims["exp"]; ok {
		n, err := toInt64(exp)
		if err != nil {
			return id, fmt.Errorf("%w: claim exp: %v", ErrMalformed, err)
		}
		id.ExpiresAt = time.Unix(n, 0)
	}
	return id, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
