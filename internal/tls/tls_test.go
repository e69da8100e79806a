package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	standardtls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func parseLeaf(t *testing.T, cert *standardtls.Certificate) *x509.Certificate {
	t.Helper()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return leaf
}

func TestGenerateSelfSignedCert(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("MX.Example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf := parseLeaf(t, cert)

	if leaf.Subject.CommonName != "mx.example.com" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "mx.example.com")
	}
	for _, name := range []string{"mx.example.com", "localhost"} {
		if !slices.Contains(leaf.DNSNames, name) {
			t.Errorf("DNS SANs: %v does not contain %s", leaf.DNSNames, name)
		}
	}
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "127.0.0.1" {
		t.Errorf("IP SANs: got %v, want [127.0.0.1]", leaf.IPAddresses)
	}

	validDuration := leaf.NotAfter.Sub(leaf.NotBefore)
	if validDuration < certValidity-time.Hour || validDuration > certValidity+time.Hour {
		t.Errorf("validity duration: got %v, want approximately %v", validDuration, certValidity)
	}

	ecKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("public key is not ECDSA")
	}
	if ecKey.Curve != elliptic.P256() {
		t.Errorf("curve: got %v, want P-256", ecKey.Curve.Params().Name)
	}

	if leaf.Issuer.CommonName != leaf.Subject.CommonName {
		t.Errorf("issuer CN %q does not match subject CN %q", leaf.Issuer.CommonName, leaf.Subject.CommonName)
	}
}

func TestGenerateSelfSignedCert_Hostnames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		hostname string
		wantCN   string
		wantDNS  []string
		wantIPs  []string
	}{
		{name: "empty", hostname: "", wantCN: "localhost", wantDNS: []string{"localhost"}, wantIPs: []string{"127.0.0.1"}},
		{name: "localhost", hostname: "localhost", wantCN: "localhost", wantDNS: []string{"localhost"}, wantIPs: []string{"127.0.0.1"}},
		{name: "ip address", hostname: "10.0.0.5", wantCN: "10.0.0.5", wantDNS: []string{"localhost"}, wantIPs: []string{"127.0.0.1", "10.0.0.5"}},
		{name: "loopback ip", hostname: "127.0.0.1", wantCN: "127.0.0.1", wantDNS: []string{"localhost"}, wantIPs: []string{"127.0.0.1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cert, err := GenerateSelfSignedCert(tt.hostname)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			leaf := parseLeaf(t, cert)
			if leaf.Subject.CommonName != tt.wantCN {
				t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, tt.wantCN)
			}
			if !slices.Equal(leaf.DNSNames, tt.wantDNS) {
				t.Errorf("DNS SANs: got %v, want %v", leaf.DNSNames, tt.wantDNS)
			}
			var ips []string
			for _, ip := range leaf.IPAddresses {
				ips = append(ips, ip.String())
			}
			if !slices.Equal(ips, tt.wantIPs) {
				t.Errorf("IP SANs: got %v, want %v", ips, tt.wantIPs)
			}
		})
	}
}

func TestLoadOrGenerateTLS_SelfSigned(t *testing.T) {
	t.Parallel()

	tlsConfig, err := LoadOrGenerateTLS("", "", "mx.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Fatalf("Certificates: got %d, want 1", len(tlsConfig.Certificates))
	}
	if tlsConfig.MinVersion != standardtls.VersionTLS12 {
		t.Errorf("MinVersion: got %d, want TLS 1.2 (%d)", tlsConfig.MinVersion, standardtls.VersionTLS12)
	}
	leaf := parseLeaf(t, &tlsConfig.Certificates[0])
	if leaf.Subject.CommonName != "mx.example.com" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "mx.example.com")
	}
}

func TestLoadOrGenerateTLS_FromFiles(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("files.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key, ok := cert.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		t.Fatal("private key is not ECDSA")
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	tlsConfig, err := LoadOrGenerateTLS(certFile, keyFile, "ignored.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf := parseLeaf(t, &tlsConfig.Certificates[0])
	if leaf.Subject.CommonName != "files.example.com" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "files.example.com")
	}
}

func TestLoadOrGenerateTLS_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := LoadOrGenerateTLS("/nonexistent/cert.pem", "/nonexistent/key.pem", "")
	if err == nil {
		t.Error("expected error for nonexistent files, got nil")
	}
}

func TestLoadOrGenerateTLS_OnlyOnePath(t *testing.T) {
	t.Parallel()

	if _, err := LoadOrGenerateTLS("/tmp/cert.pem", "", ""); err == nil {
		t.Error("expected error when only cert_file is set, got nil")
	}
	if _, err := LoadOrGenerateTLS("", "/tmp/key.pem", ""); err == nil {
		t.Error("expected error when only key_file is set, got nil")
	}
}
