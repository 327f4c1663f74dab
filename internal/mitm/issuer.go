package mitm

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"time"
)

// leafValidity matches spec section 3: notBefore = now-1day,
// notAfter = notBefore+397days (≤398-day CA/B limit).
const leafValidity = 397 * 24 * time.Hour

// Issuer mints per-host leaf certificates signed by the root CA. Unlike
// the teacher's RSA-2048 issuer, this one generates ECDSA P-256 keys, and
// unlike the teacher's Manager.LeafForHost it is never cached by the
// caller: spec section 3 requires a fresh leaf per CONNECT session.
type Issuer struct {
	root *RootCa
}

// NewIssuer derives an issuer from the process's root CA.
func NewIssuer(root *RootCa) (*Issuer, error) {
	if root == nil || root.Cert == nil || root.Key == nil {
		return nil, fmt.Errorf("issuer requires a root ca with cert and key")
	}
	return &Issuer{root: root}, nil
}

// IssueCertificate mints a leaf for host: host is the sole SAN and CN,
// ECDSA P-256, ServerAuth EKU, DigitalSignature key usage, validity
// notBefore=now-1day .. notBefore+397days.
func (i *Issuer) IssueCertificate(host string) (*tls.Certificate, error) {
	if i == nil {
		return nil, fmt.Errorf("issuer not initialised")
	}
	if host == "" {
		return nil, fmt.Errorf("host must not be empty")
	}

	notBefore := time.Now().Add(-24 * time.Hour)
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, i.root.Cert, &leafKey.PublicKey, i.root.Key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}

	cert := &tls.Certificate{
		Certificate: [][]byte{derBytes, i.root.Cert.Raw},
		PrivateKey:  leafKey,
	}
	if leaf, err := x509.ParseCertificate(derBytes); err == nil {
		cert.Leaf = leaf
	}
	return cert, nil
}
