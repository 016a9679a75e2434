package tcert

import (
	"crypto/x509"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Store remembers the most recently presented certificate chain per host.
//
// The factory populates the store after each confirmed handshake;
// a populated entry is what makes a host eligible for verification racing
// on the next connection attempt.
//
// Store is safe for concurrent use.
type Store struct {
	chains *lru.Cache[string, []*x509.Certificate]
}

// NewStore returns a Store holding chains for up to size hosts.
func NewStore(size int) *Store {
	chains, err := lru.New[string, []*x509.Certificate](size)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}

	return &Store{chains: chains}
}

// Add records the chain last presented by host.
func (s *Store) Add(host string, chain []*x509.Certificate) {
	if len(chain) == 0 {
		return
	}
	s.chains.Add(host, chain)
}

// Cached returns the last chain presented by host, if any.
// This is the "cached certificate state" probe used to decide
// whether to race verification.
func (s *Store) Cached(host string) ([]*x509.Certificate, bool) {
	return s.chains.Get(host)
}

// Remove forgets the cached chain for host.
func (s *Store) Remove(host string) {
	s.chains.Remove(host)
}

// Clear forgets every cached chain.
func (s *Store) Clear() {
	s.chains.Purge()
}
