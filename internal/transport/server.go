package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// ServerIdentity is the host's persisted (or freshly generated) TLS
// identity: a ready-to-use tls.Config plus the pairing code derived from
// the certificate's fingerprint (spec §4.9).
type ServerIdentity struct {
	TLSConfig   *tls.Config
	PairingCode string
	Fingerprint string
}

// LoadOrCreateServerIdentity loads a persisted certificate from store, or
// generates and persists a fresh self-signed one for commonName if none
// exists yet.
func LoadOrCreateServerIdentity(store CertStore, commonName string) (*ServerIdentity, error) {
	certPEM, keyPEM, err := store.Load()
	switch {
	case err == nil:
		// use the persisted pair
	case errors.Is(err, ErrNotFound):
		log.Info("generating self-signed host certificate", "commonName", commonName)
		certPEM, keyPEM, _, err = generateSelfSignedCert(commonName)
		if err != nil {
			return nil, err
		}
		if err := store.Save(certPEM, keyPEM); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("transport: parse persisted certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("transport: parse leaf certificate: %w", err)
	}

	return &ServerIdentity{
		TLSConfig:   &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
		PairingCode: pairingCodeFromDER(leaf.Raw),
		Fingerprint: fingerprintFromDER(leaf.Raw),
	}, nil
}
