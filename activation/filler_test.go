package activation

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/mauriciomferz/transfer-activation/transfer"
)

// stubDelegator returns a chain derived from its inputs and records calls.
type stubDelegator struct {
	mu    sync.Mutex
	calls int
	out   string
	err   error
}

func (d *stubDelegator) Sign(_ context.Context, publicKeyPEM string, credentialPEM []byte, hours int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return "", d.err
	}
	if d.out != "" {
		return d.out, nil
	}
	return chainFor(publicKeyPEM, credentialPEM, hours), nil
}

func chainFor(publicKeyPEM string, credentialPEM []byte, hours int) string {
	return "CHAIN(" + publicKeyPEM + "|" + string(credentialPEM) + "|" + strconv.Itoa(hours) + ")"
}

var (
	requirementTypes = []Type{TypeDelegateProxy, TypeMyProxy, "other"}
	requirementNames = []string{"public_key", "proxy_chain", "hostname", "username", "passphrase", "server_dn", "x"}
)

func requirementGen() *rapid.Generator[Requirement] {
	return rapid.Custom(func(t *rapid.T) Requirement {
		req := Requirement{
			Type: rapid.SampledFrom(requirementTypes).Draw(t, "type"),
			Name: rapid.SampledFrom(requirementNames).Draw(t, "name"),
		}
		if rapid.Bool().Draw(t, "hasValue") {
			v := rapid.StringMatching(`[A-Za-z0-9 ]{0,12}`).Draw(t, "value")
			req.Value = &v
		}
		return req
	})
}

func values(set *RequirementSet) []*string {
	out := make([]*string, 0, set.Len())
	for _, r := range set.All() {
		if r.Value == nil {
			out = append(out, nil)
			continue
		}
		v := *r.Value
		out = append(out, &v)
	}
	return out
}

func TestDelegateProxyUnsupportedNeverDelegates(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		entries := rapid.SliceOfN(requirementGen(), 0, 10).Draw(t, "entries")
		missing := rapid.SampledFrom([]string{"public_key", "proxy_chain"}).Draw(t, "missing")

		kept := entries[:0]
		for _, e := range entries {
			if !(e.Type == TypeDelegateProxy && e.Name == missing) {
				kept = append(kept, e)
			}
		}
		set := NewRequirementSet(kept...)
		before := values(set)

		delegator := &stubDelegator{}
		filler := &DelegateProxy{Delegator: delegator, Credential: ProxyCredential("CRED")}
		outcome, err := filler.Fill(context.Background(), set)

		if err != nil {
			t.Fatalf("Fill() error = %v", err)
		}
		if outcome != Unsupported {
			t.Fatalf("Fill() = %v, want unsupported", outcome)
		}
		if delegator.calls != 0 {
			t.Fatalf("delegator called %d times", delegator.calls)
		}
		if !reflect.DeepEqual(values(set), before) {
			t.Fatal("unsupported fill modified the set")
		}
	})
}

func TestDelegateProxyWritesExactlyTheChain(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		others := rapid.SliceOfN(requirementGen().Filter(func(r Requirement) bool {
			return !(r.Type == TypeDelegateProxy && (r.Name == "public_key" || r.Name == "proxy_chain"))
		}), 0, 8).Draw(t, "others")
		publicKey := rapid.StringMatching(`[A-Za-z0-9+/]{1,40}`).Draw(t, "publicKey")
		hours := rapid.IntRange(1, 48).Draw(t, "hours")

		entries := append([]Requirement{}, others...)
		pubAt := rapid.IntRange(0, len(entries)).Draw(t, "pubAt")
		entries = append(entries[:pubAt], append([]Requirement{{Type: TypeDelegateProxy, Name: "public_key", Value: &publicKey}}, entries[pubAt:]...)...)
		chainAt := rapid.IntRange(0, len(entries)).Draw(t, "chainAt")
		entries = append(entries[:chainAt], append([]Requirement{{Type: TypeDelegateProxy, Name: "proxy_chain"}}, entries[chainAt:]...)...)

		set := NewRequirementSet(entries...)
		before := values(set)

		delegator := &stubDelegator{}
		filler := &DelegateProxy{Delegator: delegator, Credential: ProxyCredential("CRED"), Hours: hours}
		outcome, err := filler.Fill(context.Background(), set)
		if err != nil {
			t.Fatalf("Fill() error = %v", err)
		}
		if outcome != Filled {
			t.Fatalf("Fill() = %v, want filled", outcome)
		}
		if delegator.calls != 1 {
			t.Fatalf("delegator called %d times", delegator.calls)
		}

		want := chainFor(publicKey, []byte("CRED"), hours)
		after := values(set)
		for i, r := range set.All() {
			if r.Type == TypeDelegateProxy && r.Name == "proxy_chain" {
				if after[i] == nil || *after[i] != want {
					t.Fatalf("proxy_chain = %v, want %q", after[i], want)
				}
				continue
			}
			if !reflect.DeepEqual(after[i], before[i]) {
				t.Fatalf("requirement %s changed", r)
			}
		}
	})
}

func TestMyProxyIsIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		entries := rapid.SliceOfN(requirementGen(), 0, 10).Draw(t, "entries")
		word := rapid.StringMatching(`[a-z0-9.]{0,10}`)
		filler := &MyProxy{
			Hostname:      word.Draw(t, "hostname"),
			Username:      word.Draw(t, "username"),
			Passphrase:    Secret(word.Draw(t, "passphrase")),
			ServerDN:      word.Draw(t, "serverDN"),
			LifetimeHours: rapid.IntRange(0, 24).Draw(t, "lifetime"),
		}

		once := NewRequirementSet(entries...)
		twice := NewRequirementSet(entries...)

		_, err1 := filler.Fill(context.Background(), once)
		filler.Fill(context.Background(), twice)
		_, err2 := filler.Fill(context.Background(), twice)

		if (err1 == nil) != (err2 == nil) {
			t.Fatalf("errors differ: %v vs %v", err1, err2)
		}
		if !reflect.DeepEqual(values(once), values(twice)) {
			t.Fatal("applying MyProxy twice differs from applying it once")
		}
	})
}

func TestDelegateProxyDuplicatesFailClosed(t *testing.T) {
	for _, dup := range []string{"public_key", "proxy_chain"} {
		t.Run(dup, func(t *testing.T) {
			set := NewRequirementSet(
				Requirement{Type: TypeDelegateProxy, Name: "public_key", Value: strPtr("PUBKEY")},
				Requirement{Type: TypeDelegateProxy, Name: "proxy_chain"},
				Requirement{Type: TypeDelegateProxy, Name: dup, Value: strPtr("PUBKEY")},
			)
			delegator := &stubDelegator{}
			_, err := (&DelegateProxy{Delegator: delegator, Credential: ProxyCredential("CRED")}).Fill(context.Background(), set)

			if !errors.Is(err, ErrDuplicateRequirement) {
				t.Errorf("expected ErrDuplicateRequirement, got %v", err)
			}
			if delegator.calls != 0 {
				t.Errorf("delegator called %d times", delegator.calls)
			}
		})
	}
}

func TestDelegateProxyErrors(t *testing.T) {
	withKey := func() *RequirementSet {
		return NewRequirementSet(
			Requirement{Type: TypeDelegateProxy, Name: "public_key", Value: strPtr("PUBKEY")},
			Requirement{Type: TypeDelegateProxy, Name: "proxy_chain"},
		)
	}
	boom := errors.New("helper exploded")

	tests := []struct {
		name    string
		set     *RequirementSet
		filler  *DelegateProxy
		wantErr error
	}{
		{
			name: "public key without value",
			set: NewRequirementSet(
				Requirement{Type: TypeDelegateProxy, Name: "public_key"},
				Requirement{Type: TypeDelegateProxy, Name: "proxy_chain"},
			),
			filler:  &DelegateProxy{Delegator: &stubDelegator{}, Credential: ProxyCredential("CRED")},
			wantErr: transfer.ErrProtocol,
		},
		{
			name:    "delegator failure",
			set:     withKey(),
			filler:  &DelegateProxy{Delegator: &stubDelegator{err: boom}, Credential: ProxyCredential("CRED")},
			wantErr: boom,
		},
		{
			name:   "no credential",
			set:    withKey(),
			filler: &DelegateProxy{Delegator: &stubDelegator{}},
		},
		{
			name:   "no delegator",
			set:    withKey(),
			filler: &DelegateProxy{Credential: ProxyCredential("CRED")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.filler.Fill(context.Background(), tt.set)
			if err == nil {
				t.Fatal("Fill() should fail")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDelegateProxyDefaultHours(t *testing.T) {
	set := NewRequirementSet(
		Requirement{Type: TypeDelegateProxy, Name: "public_key", Value: strPtr("PUBKEY")},
		Requirement{Type: TypeDelegateProxy, Name: "proxy_chain"},
	)
	if _, err := (&DelegateProxy{Delegator: &stubDelegator{}, Credential: ProxyCredential("CRED")}).Fill(context.Background(), set); err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	chain, _ := set.Lookup(TypeDelegateProxy, "proxy_chain")
	if want := chainFor("PUBKEY", []byte("CRED"), DefaultProxyHours); chain.ValueString() != want {
		t.Errorf("proxy_chain = %q, want %q", chain.ValueString(), want)
	}
}

func TestMyProxyFill(t *testing.T) {
	set := NewRequirementSet(
		Requirement{Type: TypeMyProxy, Name: "hostname", Value: strPtr("default.example.org")},
		Requirement{Type: TypeMyProxy, Name: "username"},
		Requirement{Type: TypeMyProxy, Name: "passphrase"},
		Requirement{Type: TypeMyProxy, Name: "lifetime_in_hours"},
		Requirement{Type: TypeMyProxy, Name: "server_dn"},
	)
	filler := &MyProxy{Username: "alice", Passphrase: "pw", LifetimeHours: 8}

	outcome, err := filler.Fill(context.Background(), set)
	if err != nil || outcome != Filled {
		t.Fatalf("Fill() = %v, %v", outcome, err)
	}

	want := map[string]*string{
		"hostname":          strPtr("default.example.org"),
		"username":          strPtr("alice"),
		"passphrase":        strPtr("pw"),
		"lifetime_in_hours": strPtr("8"),
		"server_dn":         nil,
	}
	for _, r := range set.All() {
		if !reflect.DeepEqual(r.Value, want[r.Name]) {
			t.Errorf("%s = %v, want %v", r.Name, r.Value, want[r.Name])
		}
	}
}

func TestMyProxyNeverUnsupported(t *testing.T) {
	set := NewRequirementSet(Requirement{Type: TypeDelegateProxy, Name: "public_key"})
	outcome, err := (&MyProxy{Hostname: "h", Username: "u", Passphrase: "p"}).Fill(context.Background(), set)
	if err != nil || outcome != Filled {
		t.Errorf("Fill() = %v, %v", outcome, err)
	}
}

func TestMyProxyDuplicatesFailClosed(t *testing.T) {
	set := NewRequirementSet(
		Requirement{Type: TypeMyProxy, Name: "hostname"},
		Requirement{Type: TypeMyProxy, Name: "username"},
		Requirement{Type: TypeMyProxy, Name: "username"},
	)
	_, err := (&MyProxy{Hostname: "h", Username: "u"}).Fill(context.Background(), set)
	if !errors.Is(err, ErrDuplicateRequirement) {
		t.Fatalf("expected ErrDuplicateRequirement, got %v", err)
	}
	for _, r := range set.All() {
		if r.Value != nil {
			t.Errorf("%s was written despite the duplicate", r)
		}
	}

	// A duplicate of an input that is not supplied is left alone
	if _, err := (&MyProxy{Hostname: "h"}).Fill(context.Background(), set); err != nil {
		t.Errorf("Fill() error = %v", err)
	}
}
