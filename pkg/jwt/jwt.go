// Package jwt issues RS256 tokens that an application started by the test
// framework accepts, and exports the matching public key.
package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/microshed/microshed-testing-go/pkg/errdefs"
)

const (
	// PublicKeyEnv and IssuerEnv are the MicroProfile JWT settings injected
	// into the application container.
	PublicKeyEnv = "mp_jwt_verify_publickey"
	IssuerEnv    = "mp_jwt_verify_issuer"

	DefaultIssuer  = "http://testissuer.com"
	DefaultSubject = "testSubject"

	keyID    = "keyid"
	keyBits  = 2048
	lifetime = 60 * time.Minute
)

var (
	key     *rsa.PrivateKey
	keyErr  error
	keyOnce sync.Once
)

func signingKey() (*rsa.PrivateKey, error) {
	keyOnce.Do(func() {
		key, keyErr = rsa.GenerateKey(rand.Reader, keyBits)
	})
	return key, keyErr
}

func publicKeyDER() ([]byte, error) {
	k, err := signingKey()
	if err != nil {
		return nil, err
	}
	return x509.MarshalPKIXPublicKey(&k.PublicKey)
}

// PublicKeyPEM returns the process-wide verification key as a PEM block.
func PublicKeyPEM() (string, error) {
	der, err := publicKeyDER()
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// PublicKey returns the base64 encoded verification key without PEM armour,
// which fits in a single environment variable.
func PublicKey() (string, error) {
	der, err := publicKeyDER()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// Build signs a token for subject. Each claim has the form key=value; a
// value containing commas becomes an array. Empty subject or issuer fall
// back to the defaults.
func Build(subject, issuer string, claims ...string) (string, error) {
	k, err := signingKey()
	if err != nil {
		return "", err
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}

	now := time.Now()
	mc := jwt.MapClaims{
		"sub": subject,
		"upn": subject,
		"iss": issuer,
		"exp": now.Add(lifetime).Unix(),
	}
	for _, c := range claims {
		name, value, ok := strings.Cut(c, "=")
		if !ok {
			return "", errdefs.Configuration("claim %q did not contain an equals sign, each claim must be of the form 'key=value'", c)
		}
		if strings.Contains(value, ",") {
			mc[name] = strings.Split(value, ",")
		} else {
			mc[name] = value
		}
	}
	if _, ok := mc["iat"]; !ok {
		mc["iat"] = now.Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	token.Header["kid"] = keyID
	return token.SignedString(k)
}

// Parse verifies tokenString against the process-wide key.
func Parse(tokenString string) (jwt.MapClaims, error) {
	k, err := signingKey()
	if err != nil {
		return nil, err
	}
	token, err := jwt.Parse(tokenString, func(*jwt.Token) (any, error) {
		return &k.PublicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return token.Claims.(jwt.MapClaims), nil
}
