// Package certs issues the self-signed certificate pairs handed to the
// proxy process for its client-facing TLS listener.
//
// Certificates are generated on first request per hostname and cached
// for the lifetime of the provider, matching the supervisor's contract
// that certificate lookup is synchronous-or-cached. The pairs are not
// trusted by anything beyond the local front-end that pins them, so a
// short-lived self-signed ECDSA certificate is sufficient.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/mmr-tortoise/kproxyd/internal/model"
)

// validity is the lifetime of issued certificates. Sessions are
// re-created when the host program restarts, so one year is far beyond
// any realistic session lifetime.
const validity = 365 * 24 * time.Hour

// Provider generates and caches one self-signed certificate pair per
// hostname. Safe for concurrent use.
type Provider struct {
	mu    sync.Mutex
	cache map[string]model.CertificatePair
}

// NewProvider creates an empty certificate provider.
func NewProvider() *Provider {
	return &Provider{
		cache: make(map[string]model.CertificatePair),
	}
}

// PairFor returns the certificate pair for the given hostname,
// generating and caching it on first use.
func (p *Provider) PairFor(hostname string) (model.CertificatePair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pair, ok := p.cache[hostname]; ok {
		return pair, nil
	}

	pair, err := generatePair(hostname)
	if err != nil {
		return model.CertificatePair{}, fmt.Errorf("generating certificate for %q: %w", hostname, err)
	}
	p.cache[hostname] = pair
	return pair, nil
}

// generatePair creates a self-signed ECDSA P-256 certificate for the
// hostname, returning both halves PEM-encoded.
func generatePair(hostname string) (model.CertificatePair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return model.CertificatePair{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return model.CertificatePair{}, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: hostname,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	// Hostnames that parse as IP addresses go into IPAddresses; anything
	// else is a DNS SAN. Modern TLS clients ignore CommonName for
	// verification, so the SAN must always be populated.
	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{hostname}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return model.CertificatePair{}, err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return model.CertificatePair{}, err
	}

	return model.CertificatePair{
		KeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})),
		CertPEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
	}, nil
}
