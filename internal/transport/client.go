package transport

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FingerprintStore remembers the server certificate fingerprint pinned for
// each host:port on first connection (spec §4.9: trust-on-first-use).
type FingerprintStore interface {
	Get(hostport string) (fingerprint string, ok bool)
	Set(hostport, fingerprint string) error
}

const knownHostsFileName = "known_hosts.json"

// FileFingerprintStore persists pinned fingerprints as a JSON object under
// Dir, keyed by host:port.
type FileFingerprintStore struct {
	Dir string

	mu sync.Mutex
}

// NewFileFingerprintStore returns a FileFingerprintStore rooted at dir.
func NewFileFingerprintStore(dir string) *FileFingerprintStore {
	return &FileFingerprintStore{Dir: dir}
}

func (s *FileFingerprintStore) path() string {
	return filepath.Join(s.Dir, knownHostsFileName)
}

func (s *FileFingerprintStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	known := map[string]string{}
	if err := json.Unmarshal(data, &known); err != nil {
		return nil, err
	}
	return known, nil
}

func (s *FileFingerprintStore) Get(hostport string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	known, err := s.load()
	if err != nil {
		log.Warn("read known-hosts fingerprint store", "error", err)
		return "", false
	}
	fp, ok := known[hostport]
	return fp, ok
}

func (s *FileFingerprintStore) Set(hostport, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	known, err := s.load()
	if err != nil {
		known = map[string]string{}
	}
	known[hostport] = fingerprint

	if err := os.MkdirAll(s.Dir, 0700); err != nil {
		return fmt.Errorf("transport: create %s: %w", s.Dir, err)
	}
	data, err := json.MarshalIndent(known, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(), data, 0600)
}

// ClientTLSConfig builds a tls.Config that trusts whatever certificate the
// server presents on first connection to hostport, then pins its SHA-256
// fingerprint and rejects any future mismatch with a *TlsError carrying
// FingerprintMismatch (spec §4.9). There is no CA to validate a self-signed
// host cert against, so the standard verifier is replaced entirely by
// VerifyPeerCertificate rather than merely supplemented.
func ClientTLSConfig(hostport string, store FingerprintStore) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return &TlsError{Kind: HandshakeFailed, Err: fmt.Errorf("no peer certificate presented")}
			}
			sum := sha256.Sum256(rawCerts[0])
			observed := fmt.Sprintf("%x", sum)

			pinned, ok := store.Get(hostport)
			if !ok {
				if err := store.Set(hostport, observed); err != nil {
					log.Warn("pin server fingerprint", "hostport", hostport, "error", err)
				}
				return nil
			}
			if pinned != observed {
				return &TlsError{
					Kind: FingerprintMismatch,
					Err:  fmt.Errorf("certificate fingerprint for %s changed: pinned %s, observed %s", hostport, pinned, observed),
				}
			}
			return nil
		},
	}
}
