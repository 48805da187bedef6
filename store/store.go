// Package store persists issued certificates and the ACME account key to
// a directory shared with marathon-lb instances.
package store

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kenshaw/pemutil"

	"github.com/brankas/marathon-acme/kind"
)

const (
	// accountKeyFile is the ACME account private key, relative to the
	// storage directory.
	accountKeyFile = "client.key"

	// defaultCertFile is the self-signed wildcard fallback, relative to
	// the storage directory.
	defaultCertFile = "default.pem"

	// certsDir holds one PEM file per issued domain.
	certsDir = "certs"

	// lockFile guards against two instances sharing a storage directory,
	// per spec.md §9's open question on peer coordination.
	lockFile = ".lock"
)

// Store persists certificates and the account key under a single
// storage directory.
type Store struct {
	dir      string
	lockPath string
	lock     *os.File
}

// Open prepares the storage directory: creates the certs/ subdirectory
// if missing, and acquires the single-writer lockfile. Callers must call
// Close on shutdown to release the lock.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, certsDir), 0o700); err != nil {
		return nil, kind.New(kind.ConfigInvalid, "", fmt.Errorf("could not create storage directory: %w", err))
	}

	s := &Store{dir: dir, lockPath: filepath.Join(dir, lockFile)}
	lock, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, kind.New(kind.ConfigInvalid, "", fmt.Errorf("storage directory %s is already locked by another instance", dir))
		}
		return nil, kind.New(kind.ConfigInvalid, "", fmt.Errorf("could not acquire lock: %w", err))
	}
	fmt.Fprintf(lock, "%d\n", os.Getpid())
	s.lock = lock

	return s, nil
}

// Close releases the storage lock. Safe to call once.
func (s *Store) Close() error {
	if s.lock == nil {
		return nil
	}
	s.lock.Close()
	err := os.Remove(s.lockPath)
	s.lock = nil
	return err
}

// certPath returns the path for a domain's certificate file.
func (s *Store) certPath(domain string) string {
	return filepath.Join(s.dir, certsDir, domain+".pem")
}

// List returns the set of domains with a certificate currently on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, certsDir))
	if err != nil {
		return nil, kind.New(kind.StoreIO, "", fmt.Errorf("could not list certificates: %w", err))
	}

	var domains []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pem") {
			continue
		}
		domains = append(domains, strings.TrimSuffix(e.Name(), ".pem"))
	}
	return domains, nil
}

// Get returns the PEM bytes for domain's certificate, or an error
// satisfying os.IsNotExist if absent.
func (s *Store) Get(domain string) ([]byte, error) {
	buf, err := os.ReadFile(s.certPath(domain))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, kind.New(kind.StoreIO, domain, err)
	}
	return buf, nil
}

// NotAfter parses domain's stored certificate and returns its expiry,
// scanning the PEM blocks for the first CERTIFICATE block (the file also
// carries the private key).
func (s *Store) NotAfter(domain string) (time.Time, error) {
	buf, err := s.Get(domain)
	if err != nil {
		return time.Time{}, err
	}

	for {
		var block *pem.Block
		block, buf = pem.Decode(buf)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return time.Time{}, kind.New(kind.StoreIO, domain, fmt.Errorf("could not parse certificate: %w", err))
		}
		return cert.NotAfter, nil
	}

	return time.Time{}, kind.New(kind.StoreIO, domain, fmt.Errorf("no certificate block found"))
}

// Put atomically replaces domain's certificate file with pemBytes
// (private key concatenated with the certificate chain). The write goes
// through a temporary file in the same directory, fsynced, then renamed
// into place, so the load balancer never observes a partial file.
func (s *Store) Put(domain string, pemBytes []byte) error {
	if err := atomicWrite(s.certPath(domain), pemBytes); err != nil {
		return kind.New(kind.StoreIO, domain, err)
	}
	return nil
}

// atomicWrite writes data to path via a temp file in the same directory,
// fsync, then rename — the linearizability discipline spec.md §4.1
// requires so marathon-lb never observes a half-written certificate.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("could not create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("could not write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("could not fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("could not chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("could not rename into place: %w", err)
	}
	return nil
}

// AccountKey loads the ACME account private key, generating and
// persisting a fresh one on first run. Grounded on the teacher's
// cachedKey (autocertdns.go): same pemutil.LoadFile/GenerateECKeySet/
// ECPrivateKey shape, generalized to go through atomicWrite instead of
// pemutil's own WriteFile.
func (s *Store) AccountKey() (*ecdsa.PrivateKey, error) {
	path := filepath.Join(s.dir, accountKeyFile)

	ks, err := pemutil.LoadFile(path)
	if err != nil && os.IsNotExist(err) {
		ks, err = pemutil.GenerateECKeySet(elliptic.P256())
		if err != nil {
			return nil, kind.New(kind.StoreIO, "", fmt.Errorf("could not generate account key: %w", err))
		}
		key, ok := ks.ECPrivateKey()
		if !ok {
			return nil, kind.New(kind.StoreIO, "", fmt.Errorf("generated key set missing EC private key"))
		}
		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			return nil, kind.New(kind.StoreIO, "", fmt.Errorf("could not marshal account key: %w", err))
		}
		buf := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
		if err := atomicWrite(path, buf); err != nil {
			return nil, kind.New(kind.StoreIO, "", fmt.Errorf("could not persist account key: %w", err))
		}
		return key, nil
	} else if err != nil {
		return nil, kind.New(kind.StoreIO, "", fmt.Errorf("could not load %s: %w", accountKeyFile, err))
	}

	key, ok := ks.ECPrivateKey()
	if !ok {
		return nil, kind.New(kind.StoreIO, "", fmt.Errorf("%s does not contain an EC private key", path))
	}
	return key, nil
}

// EnsureDefault writes the self-signed wildcard fallback certificate if
// it does not already exist.
func (s *Store) EnsureDefault() error {
	path := filepath.Join(s.dir, defaultCertFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return kind.New(kind.StoreIO, "", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return kind.New(kind.StoreIO, "", fmt.Errorf("could not generate default key: %w", err))
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return kind.New(kind.StoreIO, "", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "*"},
		DNSNames:              []string{"*"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return kind.New(kind.StoreIO, "", fmt.Errorf("could not create default certificate: %w", err))
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return kind.New(kind.StoreIO, "", fmt.Errorf("could not marshal default key: %w", err))
	}

	var buf []byte
	buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})...)
	buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)

	if err := atomicWrite(path, buf); err != nil {
		return kind.New(kind.StoreIO, "", fmt.Errorf("could not persist default certificate: %w", err))
	}
	return nil
}

// Dir returns the underlying storage directory, for tests and the
// supervisor to locate the lockfile/default cert.
func (s *Store) Dir() string {
	return s.dir
}
