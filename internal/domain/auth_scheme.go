package domain

import (
	"fmt"
	"strings"
)

// SchemeKind tags the AuthenticationScheme variant.
type SchemeKind string

const (
	SchemeJwtBearer SchemeKind = "jwt_bearer"
	SchemeApiKey    SchemeKind = "api_key"
)

// AuthenticationScheme is a tagged variant: exactly one of JwtBearer or ApiKey
// is set, matching Kind. Only Active schemes are consulted at request time.
type AuthenticationScheme struct {
	ID        string           `json:"id"`
	AppID     string           `json:"app_id"`
	Kind      SchemeKind       `json:"kind"`
	Active    bool             `json:"active"`
	Priority  int              `json:"priority,omitempty"` // lower is consulted first within a kind order
	JwtBearer *JwtBearerScheme `json:"jwt_bearer,omitempty"`
	ApiKey    *ApiKeyScheme    `json:"api_key,omitempty"`
}

// JwtBearerScheme validates bearer tokens.
type JwtBearerScheme struct {
	Issuer       string `json:"issuer"`
	Audience     string `json:"audience"`
	Algorithm    string `json:"algorithm"`                // HS256, RS256, ES256
	Secret       string `json:"secret,omitempty"`         // HMAC secret
	PublicKeyPEM string `json:"public_key_pem,omitempty"` // RSA/ECDSA public key
	LeewaySec    int    `json:"leeway_sec,omitempty"`
}

// ApiKeyScheme validates a presented key by hash. Only the SHA-256 hex digest
// of the key is stored; Prefix is the visible key prefix such as "sk_live_".
type ApiKeyScheme struct {
	Hash   string `json:"hash"`
	Prefix string `json:"prefix,omitempty"`
}

// KindOrder is the fixed consultation order: JwtBearer before ApiKey.
func (k SchemeKind) KindOrder() int {
	switch k {
	case SchemeJwtBearer:
		return 0
	case SchemeApiKey:
		return 1
	default:
		return 2
	}
}

// Validate checks that the variant payload matches the tag.
func (s *AuthenticationScheme) Validate() error {
	switch s.Kind {
	case SchemeJwtBearer:
		if s.JwtBearer == nil || s.ApiKey != nil {
			return fmt.Errorf("scheme %s: jwt_bearer requires only the jwt_bearer payload", s.ID)
		}
		switch s.JwtBearer.Algorithm {
		case "HS256", "HS384", "HS512":
			if s.JwtBearer.Secret == "" {
				return fmt.Errorf("scheme %s: secret required for %s", s.ID, s.JwtBearer.Algorithm)
			}
		case "RS256", "RS384", "RS512", "ES256", "ES384", "ES512":
			if s.JwtBearer.PublicKeyPEM == "" {
				return fmt.Errorf("scheme %s: public key required for %s", s.ID, s.JwtBearer.Algorithm)
			}
		default:
			return fmt.Errorf("scheme %s: unsupported algorithm %q", s.ID, s.JwtBearer.Algorithm)
		}
	case SchemeApiKey:
		if s.ApiKey == nil || s.JwtBearer != nil {
			return fmt.Errorf("scheme %s: api_key requires only the api_key payload", s.ID)
		}
		if len(strings.TrimSpace(s.ApiKey.Hash)) != 64 {
			return fmt.Errorf("scheme %s: api key hash must be a sha256 hex digest", s.ID)
		}
	default:
		return fmt.Errorf("scheme %s: unknown kind %q", s.ID, s.Kind)
	}
	return nil
}
