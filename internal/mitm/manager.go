package mitm

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
)

// Manager coordinates CA persistence, fresh per-host leaf issuance, and
// trust-store probing — the CertAuthority component of spec section 4.1.
type Manager struct {
	root   *RootCa
	issuer *Issuer
	pool   *x509.CertPool
	trust  trustStore
}

// NewManager loads or generates the root CA under caDir and wires an
// Issuer and a platform trust-store implementation.
func NewManager(caDir string) (*Manager, error) {
	root, err := EnsureCa(caDir)
	if err != nil {
		return nil, fmt.Errorf("ensure ca: %w", err)
	}
	issuer, err := NewIssuer(root)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(root.Cert)
	return &Manager{root: root, issuer: issuer, pool: pool, trust: platformTrustStore{}}, nil
}

// Pool returns the CA pool usable for client trust.
func (m *Manager) Pool() *x509.CertPool {
	if m == nil {
		return nil
	}
	return m.pool
}

// RootCertPEM exposes the persisted root certificate in PEM form, for
// presenting the [leaf, ca] chain during the MITM handshake.
func (m *Manager) RootCertPEM() []byte {
	if m == nil {
		return nil
	}
	return m.root.CertPEM
}

// LeafForHost mints a fresh leaf certificate for host. Per spec section 3
// ("created per CONNECT target host on each session; not cached across
// sessions") this never returns a cached value — each call signs a new
// key pair.
func (m *Manager) LeafForHost(host string) (*tls.Certificate, error) {
	if m == nil {
		return nil, fmt.Errorf("mitm manager not initialised")
	}
	return m.issuer.IssueCertificate(strings.ToLower(host))
}

// IsCaTrusted probes the OS trust store; it never fails the caller and
// reports false on unsupported platforms (spec section 4.1).
func (m *Manager) IsCaTrusted() bool {
	if m == nil {
		return false
	}
	ok, _ := m.trust.isTrusted(m.root)
	return ok
}

// InstallToTrust attempts to add the root CA to the OS trust store.
// Distinguishes user-cancellation from other failures via ErrUserCancelled.
func (m *Manager) InstallToTrust() error {
	if m == nil {
		return fmt.Errorf("mitm manager not initialised")
	}
	return m.trust.install(m.root)
}

// UninstallFromTrust attempts to remove the root CA from the OS trust store.
func (m *Manager) UninstallFromTrust() error {
	if m == nil {
		return fmt.Errorf("mitm manager not initialised")
	}
	return m.trust.uninstall(m.root)
}
