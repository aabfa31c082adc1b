package devices

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential is returned when a provisioning credential is
// malformed, unsigned, or expired.
var ErrInvalidCredential = errors.New("devices: invalid provisioning credential")

// provisioningClaims is the opaque bearer credential a device presents when
// completing the provisioning handshake. The core never manages the signing
// secret itself (spec.md's DeviceRecord only ever stores the resulting
// opaque policykey integer) — this just extracts the device id the
// credential was issued for, so callers can route to LoadDevice/SetPolicyKey
// without re-deriving identity from the wire protocol.
type provisioningClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// IssueProvisioningCredential signs an opaque credential binding deviceID to
// the provisioning handshake for the given validity window. Used by
// operator tooling and tests; production issuance lives outside the core.
func IssueProvisioningCredential(deviceID string, secret []byte, validFor time.Duration) (string, error) {
	now := time.Now()
	claims := provisioningClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validFor)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// DeviceIDFromCredential extracts the device id a provisioning credential
// was issued for, verifying its signature and expiry against secret.
func DeviceIDFromCredential(credential string, secret []byte) (string, error) {
	token, err := jwt.ParseWithClaims(credential, &provisioningClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", ErrInvalidCredential
	}

	claims, ok := token.Claims.(*provisioningClaims)
	if !ok || !token.Valid || claims.DeviceID == "" {
		return "", ErrInvalidCredential
	}
	return claims.DeviceID, nil
}
