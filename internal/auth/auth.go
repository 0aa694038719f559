// Package auth decides whether a request may reach a route. Each app carries
// its own active authentication schemes; the Enforcer compiled from them is
// consulted only for routes whose metadata requires authorization.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/oriys/orbit/internal/domain"
)

// Outcome is the result class of an authorization check.
type Outcome int

const (
	Authorized Outcome = iota
	Unauthorized
	Forbidden
)

func (o Outcome) String() string {
	switch o {
	case Authorized:
		return "authorized"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	}
	return "unknown"
}

// Principal is the caller an authorized request acts as.
type Principal struct {
	Subject   string            // "jwt:<sub>" or "apikey:<scheme id>"
	SchemeID  string            // empty for anonymous
	Kind      domain.SchemeKind // empty for anonymous
	Claims    map[string]any
	Anonymous bool
}

// AnonymousPrincipal is used for routes that do not require authorization.
var AnonymousPrincipal = &Principal{Subject: "anonymous", Anonymous: true}

// Decision is returned by Authorize.
type Decision struct {
	Outcome   Outcome
	Principal *Principal
	Reason    string
}

type contextKey struct{}

// WithPrincipal adds a Principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom retrieves the Principal from context.
func PrincipalFrom(ctx context.Context) *Principal {
	if p, ok := ctx.Value(contextKey{}).(*Principal); ok {
		return p
	}
	return nil
}

var (
	// errNoCredential means the request carries nothing this scheme reads.
	errNoCredential = errors.New("no credential")
	// errRejected means a credential was presented and failed validation.
	errRejected = errors.New("credential rejected")
)

// verifier validates one scheme's credential form.
type verifier interface {
	verify(r *http.Request) (*Principal, error)
}

// Enforcer checks requests against an app's active schemes in a fixed order:
// JwtBearer before ApiKey, then scheme priority, then declaration order.
type Enforcer struct {
	appID     string
	verifiers []verifier
}

// NewEnforcer compiles the app's active schemes. Key material is parsed here
// so a broken scheme fails when the app is loaded, not per request.
func NewEnforcer(appID string, schemes []*domain.AuthenticationScheme) (*Enforcer, error) {
	active := make([]*domain.AuthenticationScheme, 0, len(schemes))
	for _, s := range schemes {
		if s != nil && s.Active {
			active = append(active, s)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		ki, kj := active[i].Kind.KindOrder(), active[j].Kind.KindOrder()
		if ki != kj {
			return ki < kj
		}
		return active[i].Priority < active[j].Priority
	})

	e := &Enforcer{appID: appID, verifiers: make([]verifier, 0, len(active))}
	for _, s := range active {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		var v verifier
		var err error
		switch s.Kind {
		case domain.SchemeJwtBearer:
			v, err = newJWTVerifier(s.ID, s.JwtBearer)
		case domain.SchemeApiKey:
			v, err = newAPIKeyVerifier(s.ID, s.ApiKey)
		}
		if err != nil {
			return nil, fmt.Errorf("scheme %s: %w", s.ID, err)
		}
		e.verifiers = append(e.verifiers, v)
	}
	return e, nil
}

// Len returns the number of active schemes.
func (e *Enforcer) Len() int {
	if e == nil {
		return 0
	}
	return len(e.verifiers)
}

// Authorize decides whether r may proceed to the route described by meta.
func (e *Enforcer) Authorize(r *http.Request, meta *domain.ApiRouteMetadata) Decision {
	if meta == nil || !meta.RequireAuthorization {
		return Decision{Outcome: Authorized, Principal: AnonymousPrincipal}
	}
	if e == nil || len(e.verifiers) == 0 {
		return Decision{Outcome: Unauthorized, Reason: "no active authentication scheme"}
	}

	reason := "credential required"
	for _, v := range e.verifiers {
		p, err := v.verify(r)
		if errors.Is(err, errNoCredential) {
			continue
		}
		if err != nil {
			reason = "invalid credential"
			continue
		}
		if !appScopeFromClaims(p.Claims).allows(e.appID) {
			return Decision{Outcome: Forbidden, Principal: p, Reason: "credential is not valid for this app"}
		}
		return Decision{Outcome: Authorized, Principal: p}
	}
	return Decision{Outcome: Unauthorized, Reason: reason}
}
