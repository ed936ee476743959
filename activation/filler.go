package activation

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mauriciomferz/transfer-activation/transfer"
)

// DefaultProxyHours is the delegated proxy lifetime used when
// DelegateProxy.Hours is zero.
const DefaultProxyHours = 12

// Outcome is the result of a successful Fill.
type Outcome int

const (
	// Filled means the set now carries the method's credentials.
	Filled Outcome = iota + 1
	// Unsupported means the set does not offer the method; nothing changed.
	Unsupported
)

func (o Outcome) String() string {
	switch o {
	case Filled:
		return "filled"
	case Unsupported:
		return "unsupported"
	default:
		return "outcome(" + strconv.Itoa(int(o)) + ")"
	}
}

// Filler supplies identity material for one activation method by mutating
// a RequirementSet in place.
type Filler interface {
	// Method names the activation method, e.g. "delegate_proxy".
	Method() string
	Fill(ctx context.Context, set *RequirementSet) (Outcome, error)
}

// Delegator signs a server-issued public key with a proxy credential and
// returns the resulting certificate chain PEM.
type Delegator interface {
	Sign(ctx context.Context, publicKeyPEM string, credentialPEM []byte, hours int) (string, error)
}

// DelegateProxy fills the delegate_proxy method: the endpoint's public_key
// is signed by the Delegator and the chain goes into proxy_chain.
type DelegateProxy struct {
	Delegator  Delegator
	Credential ProxyCredential
	// Hours is the lifetime of the delegated proxy (default 12).
	Hours int
}

func (f *DelegateProxy) Method() string { return string(TypeDelegateProxy) }

func (f *DelegateProxy) Fill(ctx context.Context, set *RequirementSet) (Outcome, error) {
	// An absent slot wins over a duplicated one: the method is simply not
	// offered.
	if len(set.Find(TypeDelegateProxy, "public_key")) == 0 || len(set.Find(TypeDelegateProxy, "proxy_chain")) == 0 {
		return Unsupported, nil
	}
	publicKey, err := set.Lookup(TypeDelegateProxy, "public_key")
	if err != nil {
		return 0, err
	}
	proxyChain, err := set.Lookup(TypeDelegateProxy, "proxy_chain")
	if err != nil {
		return 0, err
	}
	if publicKey.ValueString() == "" {
		return 0, fmt.Errorf("%w: %s has no value", transfer.ErrProtocol, publicKey)
	}
	if f.Delegator == nil {
		return 0, errors.New("delegate proxy: no delegator configured")
	}
	if len(f.Credential) == 0 {
		return 0, errors.New("delegate proxy: no credential configured")
	}

	hours := f.Hours
	if hours == 0 {
		hours = DefaultProxyHours
	}
	chain, err := f.Delegator.Sign(ctx, publicKey.ValueString(), f.Credential, hours)
	if err != nil {
		return 0, err
	}
	proxyChain.SetValue(chain)
	return Filled, nil
}

// MyProxy fills the myproxy method. Only inputs that are set are written;
// requirements the endpoint does not list are ignored.
type MyProxy struct {
	Hostname   string
	Username   string
	Passphrase Secret
	ServerDN   string
	// LifetimeHours is sent as lifetime_in_hours when non-zero.
	LifetimeHours int
}

func (f *MyProxy) Method() string { return string(TypeMyProxy) }

func (f *MyProxy) Fill(_ context.Context, set *RequirementSet) (Outcome, error) {
	type input struct{ name, value string }
	var inputs []input
	add := func(name, value string) {
		if value != "" {
			inputs = append(inputs, input{name, value})
		}
	}
	add("hostname", f.Hostname)
	add("username", f.Username)
	add("passphrase", f.Passphrase.Reveal())
	add("server_dn", f.ServerDN)
	if f.LifetimeHours > 0 {
		add("lifetime_in_hours", strconv.Itoa(f.LifetimeHours))
	}

	// Resolve every slot before writing any, so a duplicate leaves the
	// set untouched.
	targets := make([]*Requirement, len(inputs))
	for i, in := range inputs {
		req, err := set.Lookup(TypeMyProxy, in.name)
		if err != nil {
			return 0, err
		}
		targets[i] = req
	}
	for i, req := range targets {
		if req != nil {
			req.SetValue(inputs[i].value)
		}
	}
	return Filled, nil
}
