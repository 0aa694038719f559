package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/oriys/orbit/internal/domain"
)

// apiKeyVerifier matches a presented key against one ApiKey scheme.
// Only the SHA-256 digest of the key is held.
type apiKeyVerifier struct {
	id     string
	hash   []byte // lowercase hex digest
	prefix string
}

func newAPIKeyVerifier(id string, cfg *domain.ApiKeyScheme) (*apiKeyVerifier, error) {
	hash := strings.ToLower(strings.TrimSpace(cfg.Hash))
	if _, err := hex.DecodeString(hash); err != nil {
		return nil, fmt.Errorf("api key hash is not hex: %w", err)
	}
	return &apiKeyVerifier{id: id, hash: []byte(hash), prefix: cfg.Prefix}, nil
}

func (v *apiKeyVerifier) verify(r *http.Request) (*Principal, error) {
	key := presentedKey(r)
	if key == "" {
		return nil, errNoCredential
	}
	if v.prefix != "" && !strings.HasPrefix(key, v.prefix) {
		return nil, errNoCredential
	}
	if subtle.ConstantTimeCompare([]byte(HashAPIKey(key)), v.hash) != 1 {
		return nil, errRejected
	}
	return &Principal{
		Subject:  "apikey:" + v.id,
		SchemeID: v.id,
		Kind:     domain.SchemeApiKey,
	}, nil
}

// presentedKey reads X-API-Key, "Authorization: ApiKey <key>", or a bearer
// token that is not JWT-shaped.
func presentedKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	authHeader := r.Header.Get("Authorization")
	if key, ok := strings.CutPrefix(authHeader, "ApiKey "); ok {
		return strings.TrimSpace(key)
	}
	if token, ok := bearerToken(r); ok && strings.Count(token, ".") != 2 {
		return token
	}
	return ""
}

// HashAPIKey returns the hex SHA-256 digest stored for a key.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

const (
	keyCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyLength  = 32
)

// GenerateAPIKey creates a random key with the given prefix and returns it
// together with its digest.
func GenerateAPIKey(prefix string) (key, hash string, err error) {
	body, err := keyChars(rand.Reader, keyLength)
	if err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = prefix + body
	return key, HashAPIKey(key), nil
}

// keyChars draws n characters uniformly from keyCharset. Bytes at or above
// the largest multiple of len(keyCharset) are discarded.
func keyChars(src io.Reader, n int) (string, error) {
	limit := 256 - 256%len(keyCharset)
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := io.ReadFull(src, buf); err != nil {
			return "", err
		}
		for _, c := range buf {
			if int(c) >= limit {
				continue
			}
			out = append(out, keyCharset[int(c)%len(keyCharset)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
