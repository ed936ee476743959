// Package apitest runs an in-process fake of the Transfer API activation
// resources for tests and local experiments.
//
// The server issues a fresh RSA key with every delegate_proxy requirements
// document and only accepts a proxy chain that certifies that key and leads
// to its own CA, so a passing activation against it exercises the full
// delegation path.
package apitest

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mauriciomferz/transfer-activation/internal/keys"
	"github.com/mauriciomferz/transfer-activation/internal/proxycert"
	"github.com/mauriciomferz/transfer-activation/transfer"
)

// Requirement is a requirement the fake endpoint advertises. A
// delegate_proxy public_key without a value is filled with a freshly
// issued key on every request.
type Requirement struct {
	Type  string
	Name  string
	Value *string
	// Extra fields are sent with the entry and must be submitted back.
	Extra map[string]any
}

// Value returns a pointer to s.
func Value(s string) *string { return &s }

// DelegateProxyRequirements are the requirements of the delegate_proxy
// method.
func DelegateProxyRequirements() []Requirement {
	return []Requirement{
		{Type: "delegate_proxy", Name: "public_key"},
		{Type: "delegate_proxy", Name: "proxy_chain"},
	}
}

// MyProxyRequirements are the requirements of the myproxy method with the
// server hostname prefilled.
func MyProxyRequirements(hostname string) []Requirement {
	return []Requirement{
		{Type: "myproxy", Name: "hostname", Value: Value(hostname)},
		{Type: "myproxy", Name: "username"},
		{Type: "myproxy", Name: "passphrase"},
		{Type: "myproxy", Name: "server_dn"},
		{Type: "myproxy", Name: "lifetime_in_hours"},
	}
}

// Endpoint configures one fake endpoint.
type Endpoint struct {
	Name         string
	Requirements []Requirement
	// MyProxyPassphrase, when set, is the only passphrase accepted.
	MyProxyPassphrase string
	// AutoActivate lets an empty activate request succeed.
	AutoActivate bool
	// Lifetime of an activation (default 12h).
	Lifetime time.Duration
}

// Call is one request received by the server.
type Call struct {
	Method   string
	Endpoint string
	// Op is the last path segment: activation_requirements, deactivate or
	// activate.
	Op     string
	Header http.Header
	Body   []byte
}

// Server is the fake Transfer API.
type Server struct {
	URL     string
	CA      *CA
	Keyring *keys.Keyring
	Store   Store

	srv     *httptest.Server
	expirer *Expirer
	user    string
	useTLS  bool
	keyBits int
	now     func() time.Time

	mu        sync.Mutex
	endpoints map[string]*Endpoint
	calls     []Call
}

// Option configures a Server.
type Option func(*Server)

// WithTLS serves HTTPS and asks for client certificates issued by the CA.
func WithTLS() Option {
	return func(s *Server) { s.useTLS = true }
}

// RequireUser rejects requests whose X-Transfer-API-X509-User header is not
// user.
func RequireUser(user string) Option {
	return func(s *Server) { s.user = user }
}

// WithKeyBits sets the size of issued RSA keys.
func WithKeyBits(bits int) Option {
	return func(s *Server) { s.keyBits = bits }
}

// WithEndpoint registers an endpoint at startup.
func WithEndpoint(ep Endpoint) Option {
	return func(s *Server) { s.endpoints[ep.Name] = &ep }
}

// NewServer starts a fake API. Call Close when done.
func NewServer(opts ...Option) (*Server, error) {
	ca, err := NewCA("Transfer Test CA")
	if err != nil {
		return nil, err
	}
	s := &Server{
		CA:        ca,
		Store:     NewMemoryStore(),
		keyBits:   2048,
		now:       time.Now,
		endpoints: make(map[string]*Endpoint),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Keyring = keys.NewKeyring(s.keyBits)

	s.srv = httptest.NewUnstartedServer(s.routes())
	if s.useTLS {
		pool := x509.NewCertPool()
		pool.AddCert(ca.Certificate)
		s.srv.TLS = &tls.Config{
			ClientAuth: tls.VerifyClientCertIfGiven,
			ClientCAs:  pool,
			MinVersion: tls.VersionTLS12,
		}
		s.srv.StartTLS()
	} else {
		s.srv.Start()
	}
	s.URL = s.srv.URL
	s.expirer = NewExpirer(s.Store)
	return s, nil
}

// Start is NewServer for tests: it fails t on error and closes the server
// when the test ends.
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s, err := NewServer(opts...)
	if err != nil {
		t.Fatalf("start fake transfer api: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// Close shuts the server down.
func (s *Server) Close() {
	s.expirer.Stop()
	s.srv.Close()
}

// ServerCertificatePEM returns the HTTPS certificate when WithTLS is set.
func (s *Server) ServerCertificatePEM() []byte {
	cert := s.srv.Certificate()
	if cert == nil {
		return nil
	}
	return pemCertificate(cert)
}

// ExpireEvery removes expired activations every interval until Close.
func (s *Server) ExpireEvery(ctx context.Context, interval time.Duration) {
	s.expirer.Start(ctx, interval)
}

// AddEndpoint registers or replaces an endpoint.
func (s *Server) AddEndpoint(ep Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.Name] = &ep
}

// Activate marks an endpoint active, as if activated earlier.
func (s *Server) Activate(endpoint, method string, lifetime time.Duration) {
	now := s.now()
	s.Store.Put(context.Background(), Activation{
		Endpoint:    endpoint,
		Method:      method,
		ActivatedAt: now,
		ExpiresAt:   now.Add(lifetime),
	})
}

// Activation returns the endpoint's current activation.
func (s *Server) Activation(endpoint string) (Activation, bool) {
	a, ok, _ := s.Store.Get(context.Background(), endpoint)
	return a, ok
}

// Calls returns the requests received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Ops returns the Op of every call received so far.
func (s *Server) Ops() []string {
	calls := s.Calls()
	ops := make([]string, len(calls))
	for i, c := range calls {
		ops[i] = c.Op
	}
	return ops
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/endpoint/{name}", func(api chi.Router) {
		api.Use(s.requireUser)
		api.Get("/activation_requirements", s.handleRequirements)
		api.Post("/deactivate", s.handleDeactivate)
		api.Post("/activate", s.handleActivate)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "ClientError.NotFound", "NotFound", "No such resource")
	})
	return r
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.user != "" && r.Header.Get(transfer.UserHintHeader) != s.user {
			writeError(w, r, http.StatusForbidden, "ClientError.AuthenticationFailed", "AuthenticationFailed",
				fmt.Sprintf("Requests must act for user '%s'", s.user))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// lookup records the call and resolves the endpoint, writing a 404 if it
// does not exist.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request, op string, body []byte) (Endpoint, bool) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		name = chi.URLParam(r, "name")
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{
		Method:   r.Method,
		Endpoint: name,
		Op:       op,
		Header:   r.Header.Clone(),
		Body:     body,
	})
	ep, ok := s.endpoints[name]
	s.mu.Unlock()

	if !ok {
		writeError(w, r, http.StatusNotFound, "ClientError.NotFound", "EndpointNotFound",
			fmt.Sprintf("No such endpoint '%s'", name))
		return Endpoint{}, false
	}
	return *ep, true
}

func (s *Server) handleRequirements(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.lookup(w, r, "activation_requirements", nil)
	if !ok {
		return
	}

	data := make([]any, 0, len(ep.Requirements))
	for _, req := range ep.Requirements {
		entry := map[string]any{
			"DATA_TYPE": "activation_requirement",
			"type":      req.Type,
			"name":      req.Name,
			"value":     nil,
		}
		for k, v := range req.Extra {
			entry[k] = v
		}
		switch {
		case req.Value != nil:
			entry["value"] = *req.Value
		case req.Type == "delegate_proxy" && req.Name == "public_key":
			key, err := s.Keyring.Issue(ep.Name)
			if err != nil {
				writeError(w, r, http.StatusInternalServerError, "ServerError", "KeyGenerationFailed", err.Error())
				return
			}
			entry["value"] = key.PublicKeyPEM
		}
		data = append(data, entry)
	}

	doc := map[string]any{
		"DATA_TYPE": "activation_requirements",
		"DATA":      data,
		"activated": false,
	}
	if a, active := s.Activation(ep.Name); active {
		doc["activated"] = true
		doc["expire_time"] = a.ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeDoc(w, r, http.StatusOK, doc)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.lookup(w, r, "deactivate", nil)
	if !ok {
		return
	}
	removed, _ := s.Store.Remove(r.Context(), ep.Name)
	if !removed {
		writeError(w, r, http.StatusConflict, "ClientError.Conflict", "ClientError.NotActivated",
			fmt.Sprintf("Endpoint '%s' is not activated", ep.Name))
		return
	}
	writeDoc(w, r, http.StatusOK, map[string]any{
		"DATA_TYPE": "result",
		"code":      "Deactivated",
		"message":   "Endpoint deactivated successfully",
	})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "ClientError.BadRequest", "BadRequest", err.Error())
		return
	}
	ep, ok := s.lookup(w, r, "activate", body)
	if !ok {
		return
	}
	lifetime := ep.Lifetime
	if lifetime == 0 {
		lifetime = 12 * time.Hour
	}

	if len(bytes.TrimSpace(body)) == 0 {
		s.autoActivate(w, r, ep, lifetime)
		return
	}

	var doc struct {
		DATA []map[string]any `json:"DATA"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		writeError(w, r, http.StatusBadRequest, "ClientError.BadRequest", "BadRequest", "Malformed requirements document: "+err.Error())
		return
	}
	values := make(map[string]string)
	for _, entry := range doc.DATA {
		typ, _ := entry["type"].(string)
		name, _ := entry["name"].(string)
		value, _ := entry["value"].(string)
		values[typ+"."+name] = value
	}

	now := s.now()
	activation := Activation{Endpoint: ep.Name, ActivatedAt: now, ExpiresAt: now.Add(lifetime)}
	var code string
	switch {
	case values["delegate_proxy.proxy_chain"] != "":
		certs, err := s.verifyProxy(ep.Name, values["delegate_proxy.proxy_chain"])
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "ClientError.BadRequest", "InvalidProxyChain", err.Error())
			return
		}
		leaf := certs[0]
		activation.Method = "delegate_proxy"
		// A proxy's own subject ends in its serial; report the delegator.
		activation.Subject = leaf.Subject.String()
		if len(certs) > 1 {
			activation.Subject = certs[1].Subject.String()
		}
		if leaf.NotAfter.Before(activation.ExpiresAt) {
			activation.ExpiresAt = leaf.NotAfter
		}
		code = "Activated.ClientProxyCredential"
	case values["myproxy.hostname"] != "":
		if values["myproxy.username"] == "" || values["myproxy.passphrase"] == "" {
			writeError(w, r, http.StatusBadRequest, "ClientError.BadRequest", "MissingMyProxyCredentials",
				"username and passphrase are required")
			return
		}
		if ep.MyProxyPassphrase != "" && values["myproxy.passphrase"] != ep.MyProxyPassphrase {
			writeError(w, r, http.StatusForbidden, "ClientError.Forbidden", "MyProxyAuthenticationFailed",
				"MyProxy server rejected the credentials")
			return
		}
		activation.Method = "myproxy"
		activation.Subject = values["myproxy.username"]
		code = "Activated.MyProxyCredential"
	default:
		writeError(w, r, http.StatusBadRequest, "ClientError.BadRequest", "NoActivationCredential",
			"The requirements document carries no credential")
		return
	}

	s.Store.Put(r.Context(), activation)
	writeDoc(w, r, http.StatusOK, map[string]any{
		"DATA_TYPE":   "activation_result",
		"code":        code,
		"message":     fmt.Sprintf("Endpoint activated successfully using %s", activation.Method),
		"subject":     activation.Subject,
		"expire_time": activation.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) autoActivate(w http.ResponseWriter, r *http.Request, ep Endpoint, lifetime time.Duration) {
	if !ep.AutoActivate {
		writeDoc(w, r, http.StatusOK, map[string]any{
			"DATA_TYPE": "activation_result",
			"code":      "AutoActivationFailed",
			"message":   "Auto activation failed; no cached credential",
		})
		return
	}
	now := s.now()
	s.Store.Put(r.Context(), Activation{
		Endpoint:    ep.Name,
		Method:      "auto",
		ActivatedAt: now,
		ExpiresAt:   now.Add(lifetime),
	})
	writeDoc(w, r, http.StatusOK, map[string]any{
		"DATA_TYPE": "activation_result",
		"code":      "AutoActivated.CachedCredential",
		"message":   "Endpoint activated using a cached credential",
	})
}

// verifyProxy checks a submitted chain against the key issued for endpoint
// and the test CA, then retires the key.
func (s *Server) verifyProxy(endpoint, chainPEM string) ([]*x509.Certificate, error) {
	certs, err := proxycert.ParseChain([]byte(chainPEM))
	if err != nil {
		return nil, err
	}
	issued, err := s.Keyring.Current(endpoint)
	if err != nil {
		return nil, err
	}
	if err := proxycert.VerifyChain(certs, issued.PublicKey, s.now()); err != nil {
		return nil, err
	}
	if !proxycert.IsProxy(certs[0]) {
		return nil, fmt.Errorf("leaf certificate is not a proxy certificate")
	}
	if err := s.CA.Verify(certs); err != nil {
		return nil, err
	}
	if _, err := s.Keyring.Consume(endpoint, certs[0].PublicKey); err != nil {
		return nil, err
	}
	return certs, nil
}
