package mitm

import (
	"crypto/ecdsa"
	"crypto/x509"
	"testing"
)

func TestLeafForHostIsMintedFreshEveryCall(t *testing.T) {
	root := generateTestRoot(t)
	issuer, err := NewIssuer(root)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	mgr := &Manager{root: root, issuer: issuer, trust: platformTrustStore{}}

	first, err := mgr.LeafForHost("example.com")
	if err != nil {
		t.Fatalf("leaf1: %v", err)
	}
	second, err := mgr.LeafForHost("example.com")
	if err != nil {
		t.Fatalf("leaf2: %v", err)
	}

	if first.Leaf.SerialNumber.Cmp(second.Leaf.SerialNumber) == 0 {
		t.Fatalf("expected a fresh leaf certificate on every call, got matching serial numbers")
	}
	firstKey, ok := first.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		t.Fatalf("expected ecdsa private key")
	}
	secondKey, ok := second.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		t.Fatalf("expected ecdsa private key")
	}
	if firstKey.Equal(secondKey) {
		t.Fatalf("expected a distinct key pair per issuance, not a cached one")
	}
}

func TestManagerPoolContainsRoot(t *testing.T) {
	root := generateTestRoot(t)
	root.CertPEM = []byte("test-cert-pem")
	issuer, err := NewIssuer(root)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	mgr := &Manager{root: root, issuer: issuer, trust: platformTrustStore{}}
	mgr.pool = x509.NewCertPool()
	mgr.pool.AddCert(root.Cert)

	if mgr.Pool() == nil {
		t.Fatalf("expected non-nil pool")
	}
	if len(mgr.RootCertPEM()) == 0 {
		t.Fatalf("expected non-empty root cert pem")
	}
}
