package domain

import (
	"strings"
	"testing"
)

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Shop.Example.com", "shop.example.com"},
		{"shop.example.com:8443", "shop.example.com"},
		{"shop.example.com.", "shop.example.com"},
		{"[::1]:8080", "[::1]"},
		{"[::1]", "[::1]"},
		{"  api.test  ", "api.test"},
	}
	for _, tt := range tests {
		if got := NormalizeHost(tt.in); got != tt.want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestApp_Validate(t *testing.T) {
	app := App{ID: "app-1", Hosts: []string{"a.test"}}
	if err := app.Validate(); err != nil {
		t.Fatalf("expected valid app, got %v", err)
	}

	noHosts := App{ID: "app-1"}
	if err := noHosts.Validate(); err == nil {
		t.Fatal("expected error for app without hosts")
	}

	negative := App{ID: "app-1", Hosts: []string{"a.test"}, Runtime: RuntimeSettings{TimeoutMs: -1}}
	if err := negative.Validate(); err == nil {
		t.Fatal("expected error for negative runtime limits")
	}
}

func TestCORSConfig_WildcardOrigin(t *testing.T) {
	cors := CORSConfig{
		AllowOrigins: []string{"*"},
	}
	if len(cors.AllowOrigins) != 1 || cors.AllowOrigins[0] != "*" {
		t.Error("expected wildcard origin")
	}
	if cors.AllowCredentials {
		t.Error("wildcard origin should not have AllowCredentials set")
	}
}

func TestAuthenticationScheme_Validate(t *testing.T) {
	hash := strings.Repeat("a", 64)
	tests := []struct {
		name    string
		scheme  AuthenticationScheme
		wantErr bool
	}{
		{
			name: "jwt hmac",
			scheme: AuthenticationScheme{ID: "s1", Kind: SchemeJwtBearer,
				JwtBearer: &JwtBearerScheme{Algorithm: "HS256", Secret: "k"}},
		},
		{
			name: "jwt rsa without key",
			scheme: AuthenticationScheme{ID: "s2", Kind: SchemeJwtBearer,
				JwtBearer: &JwtBearerScheme{Algorithm: "RS256"}},
			wantErr: true,
		},
		{
			name: "api key",
			scheme: AuthenticationScheme{ID: "s3", Kind: SchemeApiKey,
				ApiKey: &ApiKeyScheme{Hash: hash, Prefix: "sk_"}},
		},
		{
			name: "api key with both payloads",
			scheme: AuthenticationScheme{ID: "s4", Kind: SchemeApiKey,
				ApiKey:    &ApiKeyScheme{Hash: hash},
				JwtBearer: &JwtBearerScheme{Algorithm: "HS256", Secret: "k"}},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			scheme:  AuthenticationScheme{ID: "s5", Kind: "basic"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scheme.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemeKind_Order(t *testing.T) {
	if SchemeJwtBearer.KindOrder() >= SchemeApiKey.KindOrder() {
		t.Fatal("jwt bearer must be consulted before api key")
	}
}
