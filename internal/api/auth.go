package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey struct{}

// OwnerFrom returns the authenticated owner stored by the auth middleware.
func OwnerFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKey{}).(string)
	return v, ok && v != ""
}

var errNoIdentity = errors.New("no owner identity")

// authenticator resolves the owner of a request. Only the identity is
// extracted; roles and permissions are not modelled.
type authenticator struct {
	secret    []byte
	issuer    string
	devHeader bool
	parser    *jwt.Parser
}

func newAuthenticator(cfg AuthConfig) *authenticator {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &authenticator{
		secret:    []byte(cfg.JWTSecret),
		issuer:    cfg.Issuer,
		devHeader: cfg.DevOwnerHeader,
		parser:    jwt.NewParser(opts...),
	}
}

func (a *authenticator) owner(r *http.Request) (string, error) {
	if tok := bearerToken(r); tok != "" && len(a.secret) > 0 {
		var claims jwt.RegisteredClaims
		_, err := a.parser.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) { return a.secret, nil })
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(claims.Subject) == "" {
			return "", errNoIdentity
		}
		return claims.Subject, nil
	}
	if a.devHeader {
		if id := strings.TrimSpace(r.Header.Get("X-Owner-ID")); id != "" {
			return id, nil
		}
	}
	return "", errNoIdentity
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := a.owner(r)
		if err != nil {
			msg := "missing owner identity"
			if !errors.Is(err, errNoIdentity) {
				msg = "invalid or expired token"
			}
			writeFail(w, http.StatusUnauthorized, errorBody{Code: codeUnauthorized, Message: msg})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, owner)))
	})
}

// bearerToken reads the Authorization header, falling back to a "token"
// query parameter for websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
