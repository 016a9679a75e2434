package tcert

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
)

// Flags are opaque verification flags passed through from the session
// request to the Verifier. Talon never interprets them.
type Flags uint32

// VerifyRequest asks a Verifier to validate a certificate chain
// for a server identity.
type VerifyRequest struct {
	// Host is the server identity the chain must cover.
	Host string

	// Chain is the presented certificate chain, leaf first.
	Chain []*x509.Certificate

	Flags Flags
}

// Result is the outcome of a successful verification.
type Result struct {
	// VerifiedChain is the validated chain, leaf first.
	VerifiedChain []*x509.Certificate
}

// Verifier validates server certificate chains.
//
// Verify blocks until verification completes or ctx is done.
// Callers run it on background goroutines and marshal the result
// back to their own control flow.
type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (Result, error)
}

// PoolVerifier verifies chains against a fixed set of root CAs.
type PoolVerifier struct {
	Roots *x509.CertPool
}

func (v PoolVerifier) Verify(
	_ context.Context, req VerifyRequest,
) (Result, error) {
	if len(req.Chain) == 0 {
		return Result{}, errors.New("cannot verify empty certificate chain")
	}

	leaf := req.Chain[0]

	intermediates := x509.NewCertPool()
	for _, c := range req.Chain[1:] {
		intermediates.AddCert(c)
	}

	chains, err := leaf.Verify(x509.VerifyOptions{
		DNSName:       req.Host,
		Roots:         v.Roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		return Result{}, fmt.Errorf("certificate chain rejected for %q: %w", req.Host, err)
	}

	return Result{VerifiedChain: chains[0]}, nil
}

// Fingerprint is the SHA-256 digest of a certificate's DER encoding.
type Fingerprint [sha256.Size]byte

// LeafFingerprint returns the fingerprint of the chain's leaf certificate,
// or the zero Fingerprint for an empty chain.
func LeafFingerprint(chain []*x509.Certificate) Fingerprint {
	if len(chain) == 0 {
		return Fingerprint{}
	}
	return sha256.Sum256(chain[0].Raw)
}
