package apitest

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/mauriciomferz/transfer-activation/internal/keys"
)

// CA issues the user certificates the fake API trusts.
type CA struct {
	Certificate *x509.Certificate
	key         *rsa.PrivateKey
}

// NewCA creates a self-signed certificate authority.
func NewCA(commonName string) (*CA, error) {
	key, err := keys.GenerateRSAKey(2048)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Transfer Test"}, CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(30 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &CA{Certificate: cert, key: key}, nil
}

// CertificatePEM returns the CA certificate as PEM.
func (ca *CA) CertificatePEM() []byte {
	return pemCertificate(ca.Certificate)
}

func pemCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// IssueCredential returns a PEM credential for commonName: the user
// certificate, its private key and the CA certificate, the layout of a
// proxy credential file.
func (ca *CA) IssueCredential(commonName string, lifetime time.Duration) ([]byte, error) {
	key, err := keys.GenerateRSAKey(2048)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Transfer Test"},
			CommonName:   commonName,
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(lifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Certificate, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("failed to issue certificate: %w", err)
	}
	keyPEM, err := keys.EncodePrivateKeyPEM(key)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	pem.Encode(&out, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	out.Write(keyPEM)
	out.Write(ca.CertificatePEM())
	return out.Bytes(), nil
}

// Verify checks that the last certificate of chain is this CA or was
// issued by it.
func (ca *CA) Verify(chain []*x509.Certificate) error {
	last := chain[len(chain)-1]
	if last.Equal(ca.Certificate) {
		return nil
	}
	if err := last.CheckSignatureFrom(ca.Certificate); err != nil {
		return fmt.Errorf("chain does not lead to the test CA: %w", err)
	}
	return nil
}
