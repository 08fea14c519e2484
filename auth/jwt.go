package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"coedit/common"
)

// JWTResolver resolves HS256-signed bearer tokens to identities. The
// subject claim is the identity ID; the "name" claim, when present, is the
// display name.
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver creates a resolver verifying with the given shared secret.
func NewJWTResolver(secret []byte) *JWTResolver {
	return &JWTResolver{secret: secret}
}

type identityClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// ResolveIdentity parses and verifies the token. Any parse, signature or
// expiry failure maps to ErrInvalidCredential.
func (r *JWTResolver) ResolveIdentity(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, common.ErrInvalidCredential{Reason: "empty token"}
	}

	var claims identityClaims
	token, err := jwt.ParseWithClaims(credential, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, common.ErrInvalidCredential{Reason: "unexpected signing method"}
		}
		return r.secret, nil
	})
	if err != nil {
		return Identity{}, common.ErrInvalidCredential{Reason: err.Error()}
	}
	if !token.Valid {
		return Identity{}, common.ErrInvalidCredential{Reason: "token is not valid"}
	}
	if claims.Subject == "" {
		return Identity{}, common.ErrInvalidCredential{Reason: "missing subject"}
	}

	displayName := claims.Name
	if displayName == "" {
		displayName = claims.Subject
	}

	return Identity{ID: claims.Subject, DisplayName: displayName}, nil
}

// MintToken signs a token for the identity. Test and tooling helper; the
// production issuer lives in the platform's account service.
func (r *JWTResolver) MintToken(identity Identity) (string, error) {
	claims := identityClaims{
		Name: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: identity.ID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(r.secret)
}
