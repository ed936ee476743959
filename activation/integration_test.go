package activation_test

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mauriciomferz/transfer-activation/activation"
	"github.com/mauriciomferz/transfer-activation/delegation"
	"github.com/mauriciomferz/transfer-activation/internal/apitest"
	"github.com/mauriciomferz/transfer-activation/internal/proxycert"
	"github.com/mauriciomferz/transfer-activation/transfer"
)

// mintDelegator signs in process, doing what the mkproxy helper does.
type mintDelegator struct{}

func (mintDelegator) Sign(_ context.Context, publicKeyPEM string, credentialPEM []byte, hours int) (string, error) {
	cred, err := proxycert.ParseCredential(credentialPEM)
	if err != nil {
		return "", err
	}
	chain, err := proxycert.Mint([]byte(publicKeyPEM), cred, hours, time.Now())
	if err != nil {
		return "", err
	}
	return string(chain), nil
}

func newClient(t *testing.T, srv *apitest.Server, cfg transfer.Config) *transfer.Client {
	t.Helper()
	cfg.BaseURL = srv.URL
	client, err := transfer.NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func credential(t *testing.T, srv *apitest.Server) activation.ProxyCredential {
	t.Helper()
	pem, err := srv.CA.IssueCredential("alice", 24*time.Hour)
	require.NoError(t, err)
	return activation.ProxyCredential(pem)
}

func TestIntegrationDelegateProxy(t *testing.T) {
	for _, format := range []transfer.Format{transfer.JSON, transfer.XML} {
		t.Run(format.Name(), func(t *testing.T) {
			srv := apitest.Start(t, apitest.WithKeyBits(1024), apitest.WithEndpoint(apitest.Endpoint{
				Name:         "go#ep1",
				Requirements: apitest.DelegateProxyRequirements(),
			}))
			session := activation.NewSession(newClient(t, srv, transfer.Config{Format: format}))

			res, err := session.Activate(context.Background(), "go#ep1", &activation.DelegateProxy{
				Delegator:  mintDelegator{},
				Credential: credential(t, srv),
				Hours:      2,
			})
			require.NoError(t, err)
			require.Equal(t, activation.StateDone, res.State)
			require.Equal(t, "Activated.ClientProxyCredential", res.Code)

			a, active := srv.Activation("go#ep1")
			require.True(t, active)
			require.Equal(t, "delegate_proxy", a.Method)
			require.Contains(t, a.Subject, "CN=alice")
			require.WithinDuration(t, time.Now().Add(2*time.Hour), a.ExpiresAt, 10*time.Minute)

			require.Equal(t, []string{"deactivate", "activation_requirements", "activate"}, srv.Ops())
		})
	}
}

func TestIntegrationReactivateReplacesActivation(t *testing.T) {
	srv := apitest.Start(t, apitest.WithKeyBits(1024), apitest.WithEndpoint(apitest.Endpoint{
		Name:         "go#ep1",
		Requirements: apitest.DelegateProxyRequirements(),
	}))
	srv.Activate("go#ep1", "myproxy", time.Hour)
	session := activation.NewSession(newClient(t, srv, transfer.Config{}))

	_, err := session.Activate(context.Background(), "go#ep1", &activation.DelegateProxy{
		Delegator:  mintDelegator{},
		Credential: credential(t, srv),
	})
	require.NoError(t, err)

	a, active := srv.Activation("go#ep1")
	require.True(t, active)
	require.Equal(t, "delegate_proxy", a.Method)
}

func TestIntegrationMyProxy(t *testing.T) {
	srv := apitest.Start(t, apitest.WithKeyBits(1024), apitest.WithEndpoint(apitest.Endpoint{
		Name:              "go#ep2",
		Requirements:      apitest.MyProxyRequirements("myproxy.example.org"),
		MyProxyPassphrase: "sesame",
	}))
	session := activation.NewSession(newClient(t, srv, transfer.Config{}))

	res, err := session.Activate(context.Background(), "go#ep2", &activation.MyProxy{
		Username:   "alice",
		Passphrase: "wrong",
	})
	require.Error(t, err)
	require.Equal(t, activation.KindAPI, activation.KindOf(err))
	require.Equal(t, activation.StateFailed, res.State)

	var apiErr *transfer.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 403, apiErr.StatusCode)
	require.Equal(t, "MyProxyAuthenticationFailed", apiErr.Code)
	require.NotContains(t, err.Error(), "wrong")

	res, err = session.Activate(context.Background(), "go#ep2", &activation.MyProxy{
		Username:   "alice",
		Passphrase: "sesame",
	})
	require.NoError(t, err)
	require.Equal(t, "Activated.MyProxyCredential", res.Code)

	// The prefilled hostname went back unchanged
	calls := srv.Calls()
	var submitted struct {
		DATA []map[string]any `json:"DATA"`
	}
	require.NoError(t, json.Unmarshal(calls[len(calls)-1].Body, &submitted))
	for _, entry := range submitted.DATA {
		if entry["name"] == "hostname" {
			require.Equal(t, "myproxy.example.org", entry["value"])
		}
	}
}

func TestIntegrationUnsupportedMethod(t *testing.T) {
	srv := apitest.Start(t, apitest.WithKeyBits(1024), apitest.WithEndpoint(apitest.Endpoint{
		Name:         "go#ep2",
		Requirements: apitest.MyProxyRequirements("myproxy.example.org"),
	}))
	session := activation.NewSession(newClient(t, srv, transfer.Config{}))

	res, err := session.Activate(context.Background(), "go#ep2", &activation.DelegateProxy{
		Delegator:  mintDelegator{},
		Credential: credential(t, srv),
	})
	require.ErrorIs(t, err, activation.ErrUnsupported)
	require.Equal(t, activation.StateUnsupported, res.State)
	require.NotContains(t, srv.Ops(), "activate")
}

func TestIntegrationPreservesUnknownFields(t *testing.T) {
	reqs := apitest.DelegateProxyRequirements()
	reqs[0].Extra = map[string]any{"ui_name": "Public Key", "private": false}
	srv := apitest.Start(t, apitest.WithKeyBits(1024), apitest.WithEndpoint(apitest.Endpoint{
		Name:         "go#ep1",
		Requirements: append(reqs, apitest.Requirement{Type: "other", Name: "x", Value: apitest.Value("keep")}),
	}))
	session := activation.NewSession(newClient(t, srv, transfer.Config{}))

	_, err := session.Activate(context.Background(), "go#ep1", &activation.DelegateProxy{
		Delegator:  mintDelegator{},
		Credential: credential(t, srv),
	})
	require.NoError(t, err)

	calls := srv.Calls()
	var submitted struct {
		DATA []map[string]any `json:"DATA"`
	}
	require.NoError(t, json.Unmarshal(calls[len(calls)-1].Body, &submitted))
	require.Len(t, submitted.DATA, 3)
	require.Equal(t, "Public Key", submitted.DATA[0]["ui_name"])
	require.Equal(t, false, submitted.DATA[0]["private"])
	require.Equal(t, "keep", submitted.DATA[2]["value"])
}

func TestIntegrationUserHint(t *testing.T) {
	srv := apitest.Start(t, apitest.WithKeyBits(1024), apitest.RequireUser("alice"),
		apitest.WithEndpoint(apitest.Endpoint{Name: "go#ep1", AutoActivate: true}))

	anonymous := activation.NewSession(newClient(t, srv, transfer.Config{}))
	_, err := anonymous.AutoActivate(context.Background(), "go#ep1")
	require.ErrorIs(t, err, transfer.ErrAPI)

	session := activation.NewSession(newClient(t, srv, transfer.Config{Auth: transfer.UserHint{Username: "alice"}}))
	res, err := session.AutoActivate(context.Background(), "go#ep1")
	require.NoError(t, err)
	require.False(t, res.AutoActivationFailed())
	// Rejected requests never reach the endpoint
	calls := srv.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "alice", calls[0].Header.Get(transfer.UserHintHeader))
}

func TestIntegrationAutoActivate(t *testing.T) {
	srv := apitest.Start(t, apitest.WithKeyBits(1024),
		apitest.WithEndpoint(apitest.Endpoint{Name: "go#cached", AutoActivate: true}),
		apitest.WithEndpoint(apitest.Endpoint{Name: "go#cold"}),
	)
	session := activation.NewSession(newClient(t, srv, transfer.Config{}))

	res, err := session.AutoActivate(context.Background(), "go#cached")
	require.NoError(t, err)
	require.Equal(t, "AutoActivated.CachedCredential", res.Code)

	res, err = session.AutoActivate(context.Background(), "go#cold")
	require.NoError(t, err)
	require.True(t, res.AutoActivationFailed())
	_, active := srv.Activation("go#cold")
	require.False(t, active)
}

func TestIntegrationUnknownEndpoint(t *testing.T) {
	srv := apitest.Start(t, apitest.WithKeyBits(1024))
	session := activation.NewSession(newClient(t, srv, transfer.Config{}))

	_, err := session.Requirements(context.Background(), "go#missing")
	require.ErrorIs(t, err, transfer.ErrAPI)

	var apiErr *transfer.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "EndpointNotFound", apiErr.Code)
	require.Equal(t, "ClientError.NotFound", apiErr.ErrorCode)
}

func TestIntegrationLateEndpointAndExpiry(t *testing.T) {
	srv := apitest.Start(t, apitest.WithKeyBits(1024))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.ExpireEvery(ctx, 10*time.Millisecond)

	srv.AddEndpoint(apitest.Endpoint{Name: "go#late", AutoActivate: true, Lifetime: 50 * time.Millisecond})
	session := activation.NewSession(newClient(t, srv, transfer.Config{}))

	_, err := session.AutoActivate(ctx, "go#late")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, active := srv.Activation("go#late")
		return !active
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, session.Deactivate(ctx, "go#late"))
}

// buildMkproxy compiles cmd/mkproxy into a temporary directory.
func buildMkproxy(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("helper invocation is exercised on unix only")
	}
	goBin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go toolchain not in PATH")
	}
	out := filepath.Join(t.TempDir(), "mkproxy")
	build := exec.Command(goBin, "build", "-o", out, "github.com/mauriciomferz/transfer-activation/cmd/mkproxy")
	if msg, err := build.CombinedOutput(); err != nil {
		t.Fatalf("build mkproxy: %v\n%s", err, msg)
	}
	return out
}

func TestIntegrationDelegateProxyWithHelper(t *testing.T) {
	helper := buildMkproxy(t)

	for _, format := range []transfer.Format{transfer.JSON, transfer.XML} {
		t.Run(format.Name(), func(t *testing.T) {
			srv := apitest.Start(t, apitest.WithKeyBits(1024), apitest.WithEndpoint(apitest.Endpoint{
				Name:         "go#ep1",
				Requirements: apitest.DelegateProxyRequirements(),
			}))
			session := activation.NewSession(newClient(t, srv, transfer.Config{Format: format}))

			set, err := session.Requirements(context.Background(), "go#ep1")
			require.NoError(t, err)
			publicKey, err := set.Lookup(activation.TypeDelegateProxy, "public_key")
			require.NoError(t, err)
			require.True(t, strings.HasSuffix(publicKey.ValueString(), "-----END PUBLIC KEY-----\n"),
				"public key lost its trailing newline: %q", publicKey.ValueString())

			res, err := session.Activate(context.Background(), "go#ep1", &activation.DelegateProxy{
				Delegator:  &delegation.Helper{Path: helper},
				Credential: credential(t, srv),
				Hours:      2,
			})
			require.NoError(t, err)
			require.Equal(t, "Activated.ClientProxyCredential", res.Code)

			a, active := srv.Activation("go#ep1")
			require.True(t, active)
			require.Contains(t, a.Subject, "CN=alice")
		})
	}
}
