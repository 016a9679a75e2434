package tcerttest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// CA is a throwaway certificate authority for tests.
//
// It uses ed25519 keys to keep generation cheap enough
// for heavy use in test.
type CA struct {
	Cert    *x509.Certificate
	PrivKey ed25519.PrivateKey

	prevSerial int64
}

// NewCA generates a new test CA valid for one hour.
func NewCA() (*CA, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Talon Test CA"},
			CommonName:   "Talon Test CA Root",
		},
		NotBefore: time.Now().Add(-15 * time.Second),
		NotAfter:  time.Now().Add(time.Hour),

		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},

		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated CA certificate: %w", err)
	}

	return &CA{
		Cert:    cert,
		PrivKey: priv,

		prevSerial: 1,
	}, nil
}

// ServerCert is a leaf certificate for presenting as a server.
type ServerCert struct {
	Cert    *x509.Certificate
	PrivKey ed25519.PrivateKey
}

// Chain returns the full chain, leaf first.
func (c ServerCert) Chain(ca *CA) []*x509.Certificate {
	return []*x509.Certificate{c.Cert, ca.Cert}
}

// TLS returns the certificate in the form a tls.Config wants.
func (c ServerCert) TLS() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{c.Cert.Raw},
		PrivateKey:  c.PrivKey,
		Leaf:        c.Cert,
	}
}

// NewServerCert issues a leaf certificate covering the given hosts,
// which may be DNS names or IP literals.
func (ca *CA) NewServerCert(hosts ...string) (ServerCert, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return ServerCert{}, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	ca.prevSerial++
	template := &x509.Certificate{
		SerialNumber: big.NewInt(ca.prevSerial),
		Subject: pkix.Name{
			Organization: []string{"Talon Test"},
			CommonName:   hosts[0],
		},
		NotBefore: time.Now().Add(-15 * time.Second),
		NotAfter:  time.Now().Add(time.Hour),

		KeyUsage: x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, pub, ca.PrivKey)
	if err != nil {
		return ServerCert{}, fmt.Errorf("failed to create leaf certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return ServerCert{}, fmt.Errorf("failed to parse generated leaf certificate: %w", err)
	}

	return ServerCert{
		Cert:    cert,
		PrivKey: priv,
	}, nil
}

// CertPool returns a pool trusting only this CA.
func (ca *CA) CertPool() *x509.CertPool {
	p := x509.NewCertPool()
	p.AddCert(ca.Cert)
	return p
}
