package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

const selfSignedCertLifetime = 10 * 365 * 24 * time.Hour

// generateSelfSignedCert produces a fresh ECDSA P-256 server certificate
// valid for commonName (the host's display name), PEM-encoding both the
// certificate and its private key for persistence via a CertStore (spec
// §4.9).
func generateSelfSignedCert(commonName string) (certPEM, keyPEM, certDER []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("transport: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("transport: generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(selfSignedCertLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		DNSNames:     []string{commonName},
	}
	if ip := net.ParseIP(commonName); ip != nil {
		template.IPAddresses = []net.IP{ip}
		template.DNSNames = nil
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("transport: create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("transport: marshal key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, der, nil
}

// pairingCodeFromDER derives the six-digit pairing code from a certificate's
// DER encoding: SHA256(cert.der)[0..4] read big-endian, modulo 1,000,000,
// formatted with leading zeros (spec §4.9).
func pairingCodeFromDER(der []byte) string {
	sum := sha256.Sum256(der)
	n := binary.BigEndian.Uint32(sum[0:4])
	return fmt.Sprintf("%06d", n%1_000_000)
}

// fingerprintFromDER is the SHA-256 fingerprint the client pins per
// host:port on first connection (spec §4.9).
func fingerprintFromDER(der []byte) string {
	sum := sha256.Sum256(der)
	return fmt.Sprintf("%x", sum)
}
