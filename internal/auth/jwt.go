package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oriys/orbit/internal/domain"
)

// jwtVerifier validates bearer tokens for one JwtBearer scheme.
type jwtVerifier struct {
	id     string
	key    any
	parser *jwt.Parser
}

func newJWTVerifier(id string, cfg *domain.JwtBearerScheme) (*jwtVerifier, error) {
	v := &jwtVerifier{id: id}

	switch {
	case strings.HasPrefix(cfg.Algorithm, "HS"):
		v.key = []byte(cfg.Secret)
	case strings.HasPrefix(cfg.Algorithm, "RS"):
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse rsa public key: %w", err)
		}
		v.key = key
	case strings.HasPrefix(cfg.Algorithm, "ES"):
		key, err := jwt.ParseECPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse ecdsa public key: %w", err)
		}
		v.key = key
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", cfg.Algorithm)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{cfg.Algorithm}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.LeewaySec > 0 {
		opts = append(opts, jwt.WithLeeway(time.Duration(cfg.LeewaySec)*time.Second))
	}
	v.parser = jwt.NewParser(opts...)
	return v, nil
}

func (v *jwtVerifier) verify(r *http.Request) (*Principal, error) {
	token, ok := bearerToken(r)
	if !ok || strings.Count(token, ".") != 2 {
		return nil, errNoCredential
	}

	claims := jwt.MapClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil || !parsed.Valid {
		return nil, errRejected
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		sub = "unknown"
	}
	return &Principal{
		Subject:  "jwt:" + sub,
		SchemeID: v.id,
		Kind:     domain.SchemeJwtBearer,
		Claims:   claims,
	}, nil
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, bool) {
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	token = strings.TrimSpace(token)
	return token, found && token != ""
}
