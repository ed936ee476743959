// Package proxycert mints and checks RFC 3820 proxy certificates.
package proxycert

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mauriciomferz/transfer-activation/internal/keys"
)

var (
	oidProxyCertInfo = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 14}
	oidInheritAll    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 21, 1}
	oidCommonName    = asn1.ObjectIdentifier{2, 5, 4, 3}
)

// Backdate is how far before "now" a minted proxy becomes valid.
const Backdate = 5 * time.Minute

type proxyPolicy struct {
	Language asn1.ObjectIdentifier
}

type proxyCertInfo struct {
	Policy proxyPolicy
}

// Credential is a certificate with its private key and issuing chain, as
// found in a proxy credential file.
type Credential struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
	Chain       []*x509.Certificate
}

// ParseCredential reads a PEM bundle holding a certificate, its private key
// and optionally the certificates that issued it, in that order.
func ParseCredential(data []byte) (*Credential, error) {
	var certs []*x509.Certificate
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", len(certs), err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("credential holds no certificate")
	}

	key, err := keys.ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, err
	}
	if !keys.SamePublicKey(certs[0].PublicKey, key.Public()) {
		return nil, errors.New("credential private key does not match its certificate")
	}
	return &Credential{Certificate: certs[0], PrivateKey: key, Chain: certs[1:]}, nil
}

// Mint issues a proxy certificate for publicKeyPEM signed by cred, valid
// from now-Backdate for hours (never past cred's own expiry), and returns
// it followed by cred's certificate and chain as PEM.
func Mint(publicKeyPEM []byte, cred *Credential, hours int, now time.Time) ([]byte, error) {
	if hours <= 0 {
		return nil, fmt.Errorf("invalid lifetime %d hours", hours)
	}
	pub, err := keys.ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}
	subject, err := proxySubject(cred.Certificate, serial)
	if err != nil {
		return nil, err
	}
	info, err := asn1.Marshal(proxyCertInfo{Policy: proxyPolicy{Language: oidInheritAll}})
	if err != nil {
		return nil, err
	}

	notAfter := now.Add(time.Duration(hours) * time.Hour)
	if notAfter.After(cred.Certificate.NotAfter) {
		notAfter = cred.Certificate.NotAfter
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		RawSubject:            subject,
		NotBefore:             now.Add(-Backdate),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
		ExtraExtensions: []pkix.Extension{
			{Id: oidProxyCertInfo, Critical: true, Value: info},
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, cred.Certificate, pub, cred.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign proxy certificate: %w", err)
	}

	var out bytes.Buffer
	pem.Encode(&out, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	pem.Encode(&out, &pem.Block{Type: "CERTIFICATE", Bytes: cred.Certificate.Raw})
	for _, c := range cred.Chain {
		pem.Encode(&out, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	}
	return out.Bytes(), nil
}

// proxySubject is the issuer's subject with CN=<serial> appended.
func proxySubject(issuer *x509.Certificate, serial *big.Int) ([]byte, error) {
	var rdns pkix.RDNSequence
	if _, err := asn1.Unmarshal(issuer.RawSubject, &rdns); err != nil {
		return nil, fmt.Errorf("failed to parse issuer subject: %w", err)
	}
	rdns = append(rdns, pkix.RelativeDistinguishedNameSET{
		{Type: oidCommonName, Value: serial.String()},
	})
	return asn1.Marshal(rdns)
}

// IsProxy reports whether cert carries the RFC 3820 ProxyCertInfo extension.
func IsProxy(cert *x509.Certificate) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidProxyCertInfo) {
			return true
		}
	}
	return false
}

// ParseChain decodes a PEM certificate chain. Every block must be a
// certificate and there must be at least one.
func ParseChain(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := bytes.TrimSpace(data)
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, errors.New("trailing data after certificate chain")
		}
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unexpected %s block in certificate chain", block.Type)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", len(certs), err)
		}
		certs = append(certs, cert)
		rest = bytes.TrimSpace(rest)
	}
	if len(certs) == 0 {
		return nil, errors.New("empty certificate chain")
	}
	return certs, nil
}

// VerifyChain checks that the leaf certifies pub, is valid at now, and that
// each certificate is signed by the one after it. Trust in the last
// certificate is not established here.
func VerifyChain(certs []*x509.Certificate, pub crypto.PublicKey, now time.Time) error {
	if len(certs) == 0 {
		return errors.New("empty certificate chain")
	}
	leaf := certs[0]
	if !keys.SamePublicKey(leaf.PublicKey, pub) {
		return errors.New("leaf certificate does not certify the issued public key")
	}
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return fmt.Errorf("leaf certificate is not valid at %s", now.UTC().Format(time.RFC3339))
	}
	for i := 0; i+1 < len(certs); i++ {
		child, parent := certs[i], certs[i+1]
		// Proxy issuers are end-entity certificates, so CheckSignatureFrom's
		// CA constraint does not apply.
		if err := parent.CheckSignature(child.SignatureAlgorithm, child.RawTBSCertificate, child.Signature); err != nil {
			return fmt.Errorf("certificate %d is not signed by certificate %d: %w", i, i+1, err)
		}
	}
	return nil
}
