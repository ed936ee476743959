package activation

import "log/slog"

const redacted = "[REDACTED]"

// ProxyCredential is a PEM bundle holding a proxy certificate, its private
// key and the issuing chain. It never prints its contents.
type ProxyCredential []byte

func (c ProxyCredential) String() string       { return redacted }
func (c ProxyCredential) GoString() string     { return "activation.ProxyCredential(" + redacted + ")" }
func (c ProxyCredential) LogValue() slog.Value { return slog.StringValue(redacted) }

// Wipe zeroes the credential in place.
func (c ProxyCredential) Wipe() {
	clear(c)
}

// Secret is a passphrase that never prints its contents.
type Secret string

func (s Secret) String() string       { return redacted }
func (s Secret) GoString() string     { return "activation.Secret(" + redacted + ")" }
func (s Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

// Reveal returns the plain passphrase.
func (s Secret) Reveal() string { return string(s) }
