package mitm

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func TestIssuerIssueCertificate(t *testing.T) {
	root := generateTestRoot(t)
	issuer, err := NewIssuer(root)
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	leaf, err := issuer.IssueCertificate("example.com")
	if err != nil {
		t.Fatalf("issue certificate failed: %v", err)
	}
	if leaf == nil || leaf.Leaf == nil {
		t.Fatalf("expected leaf certificate with parsed metadata")
	}
	if got := leaf.Leaf.DNSNames[0]; got != "example.com" {
		t.Fatalf("unexpected dns name: %s", got)
	}
	if leaf.Leaf.Subject.CommonName != "example.com" {
		t.Fatalf("expected CN to equal host, got %s", leaf.Leaf.Subject.CommonName)
	}
	if validity := leaf.Leaf.NotAfter.Sub(leaf.Leaf.NotBefore); validity > 398*24*time.Hour {
		t.Fatalf("leaf validity exceeds CA/B limit: %v", validity)
	}
	if _, ok := leaf.PrivateKey.(*ecdsa.PrivateKey); !ok {
		t.Fatalf("expected ecdsa leaf key")
	}
	if err := leaf.Leaf.CheckSignatureFrom(root.Cert); err != nil {
		t.Fatalf("leaf signature does not verify against root: %v", err)
	}
}

func generateTestRoot(t *testing.T) *RootCa {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "llmproxy-test-root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return &RootCa{Cert: cert, Key: key}
}
