package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultTokenTTL = 30 * 24 * time.Hour

// Claims identify the device or operator allowed to drive tracking.
type Claims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// SignToken issues an HS256 token for deviceID.
func SignToken(secret, deviceID string, ttl time.Duration) (string, error) {
	if deviceID == "" {
		return "", errors.New("device id required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
