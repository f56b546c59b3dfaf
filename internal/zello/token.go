package zello

import (
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token lifetime and the threshold before expiry at which the session
// re-authenticates.
const (
	tokenTTL              = time.Hour
	tokenRefreshThreshold = 10 * time.Minute
)

// LoadPrivateKey reads a PEM-encoded RSA private key used to sign auth
// tokens.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("zello: read private key %q: %w", path, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("zello: parse private key %q: %w", path, err)
	}
	return key, nil
}

// buildToken creates an RS256-signed auth token carrying the issuer id and
// an expiry one [tokenTTL] from now.
func buildToken(key *rsa.PrivateKey, issuer string, now time.Time) (token string, expiry time.Time, err error) {
	expiry = now.Add(tokenTTL)
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": issuer,
		"exp": expiry.Unix(),
	})
	token, err = t.SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("zello: sign auth token: %w", err)
	}
	return token, expiry, nil
}
