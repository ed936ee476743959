package transfer

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
)

// UserHintHeader names the Transfer API user a certificate-authenticated
// request acts for.
const UserHintHeader = "X-Transfer-API-X509-User"

// Authenticator annotates an outgoing request with identity material.
type Authenticator interface {
	Authenticate(req *http.Request) error
}

// TLSConfigurer is implemented by authenticators that identify the caller
// at the TLS layer. NewClient calls ConfigureTLS once while building the
// transport.
type TLSConfigurer interface {
	ConfigureTLS(cfg *tls.Config) error
}

// UserHint identifies the user by header; the server maps it onto the
// certificate presented during the handshake.
type UserHint struct {
	Username string
}

func (a UserHint) Authenticate(req *http.Request) error {
	if strings.TrimSpace(a.Username) == "" {
		return errors.New("user hint requires a username")
	}
	req.Header.Set(UserHintHeader, a.Username)
	return nil
}

// BasicAuth authenticates with a username and password.
type BasicAuth struct {
	Username string
	Password string
}

func (a BasicAuth) Authenticate(req *http.Request) error {
	if a.Username == "" || a.Password == "" {
		return errors.New("basic auth requires username and password")
	}
	req.SetBasicAuth(a.Username, a.Password)
	return nil
}

// BearerToken sends an access token. Tokens that parse as JWTs are checked
// for expiry locally so an expired token fails before any request is made;
// the signature is left to the server.
type BearerToken struct {
	Token string
	Now   func() time.Time
}

func (a BearerToken) Authenticate(req *http.Request) error {
	token := strings.TrimSpace(a.Token)
	if token == "" {
		return errors.New("bearer token is required")
	}
	if err := a.checkExpiry(token); err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (a BearerToken) checkExpiry(token string) error {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// Opaque token.
		return nil
	}
	if claims.ExpiresAt == nil {
		return nil
	}
	now := time.Now()
	if a.Now != nil {
		now = a.Now()
	}
	if now.After(claims.ExpiresAt.Time) {
		return fmt.Errorf("%w: expired at %s", ErrTokenExpired, claims.ExpiresAt.Time.UTC().Format(time.RFC3339))
	}
	return nil
}

// ClientCertificate presents a PEM certificate and key during the TLS
// handshake.
type ClientCertificate struct {
	CertPEM []byte
	KeyPEM  []byte
}

func (ClientCertificate) Authenticate(*http.Request) error { return nil }

func (a ClientCertificate) ConfigureTLS(cfg *tls.Config) error {
	if len(a.CertPEM) == 0 {
		return errors.New("client certificate PEM is empty")
	}
	keyPEM := a.KeyPEM
	if len(keyPEM) == 0 {
		// Proxy credentials carry the key in the same bundle.
		keyPEM = a.CertPEM
	}
	pair, err := tls.X509KeyPair(a.CertPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("failed to load client certificate: %w", err)
	}
	cfg.Certificates = append(cfg.Certificates, pair)
	return nil
}

// WorkloadCertificate presents the X.509 SVID of the current workload,
// typically an *workloadapi.X509Source. The SVID is fetched per handshake so
// rotation is picked up without rebuilding the client.
type WorkloadCertificate struct {
	Source x509svid.Source
}

func (WorkloadCertificate) Authenticate(*http.Request) error { return nil }

func (a WorkloadCertificate) ConfigureTLS(cfg *tls.Config) error {
	if a.Source == nil {
		return errors.New("workload certificate requires an X.509 SVID source")
	}
	cfg.GetClientCertificate = tlsconfig.GetClientCertificate(a.Source)
	return nil
}

type chain []Authenticator

// tlsChain is a chain with at least one TLSConfigurer member.
type tlsChain struct{ chain }

// Chain applies each authenticator in order, e.g. a client certificate
// followed by a UserHint. The result implements TLSConfigurer only when
// one of auths does.
func Chain(auths ...Authenticator) Authenticator {
	out := make(chain, 0, len(auths))
	needsTLS := false
	for _, a := range auths {
		if a == nil {
			continue
		}
		if _, ok := a.(TLSConfigurer); ok {
			needsTLS = true
		}
		out = append(out, a)
	}
	if needsTLS {
		return tlsChain{out}
	}
	return out
}

func (c chain) Authenticate(req *http.Request) error {
	for _, a := range c {
		if err := a.Authenticate(req); err != nil {
			return err
		}
	}
	return nil
}

func (c tlsChain) ConfigureTLS(cfg *tls.Config) error {
	for _, a := range c.chain {
		if t, ok := a.(TLSConfigurer); ok {
			if err := t.ConfigureTLS(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}
