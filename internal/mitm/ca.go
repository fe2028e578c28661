// Package mitm issues the root CA used to intercept HTTPS CONNECT
// tunnels and mints per-host leaf certificates on demand.
package mitm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	leafCacheCapacity = 128
	leafLifetime      = 24 * time.Hour
	rootCommonName    = "<HTTP-MITM-PROXY CA>"
)

// CAStore holds one root CA, generated fresh at process start, and a
// bounded cache of leaf certificates minted from it. Unlike a
// persistent trust store, the root is never read back from disk: a
// new root means every client must reinstall trust on restart, which
// is acceptable for a test-only proxy and keeps the store free of any
// on-disk private key.
type CAStore struct {
	mu     sync.Mutex
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	caPEM  []byte

	leaves *lru.Cache[string, *tls.Certificate]
}

// NewCAStore generates the root CA immediately so startup fails fast
// on any crypto error, rather than on the first intercepted CONNECT.
func NewCAStore() (*CAStore, error) {
	leaves, err := lru.New[string, *tls.Certificate](leafCacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("mitm: create leaf cert cache: %w", err)
	}
	certPEM, cert, key, err := generateRootCA()
	if err != nil {
		return nil, err
	}
	return &CAStore{caCert: cert, caKey: key, caPEM: certPEM, leaves: leaves}, nil
}

// WriteCAPEM writes the root CA certificate (not the key) to path, so
// it can be installed into a client or test runner's trust store.
func (c *CAStore) WriteCAPEM(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mitm: create ca output dir: %w", err)
	}
	return os.WriteFile(path, c.caPEM, 0o644)
}

// GetLeafCert returns a cached leaf certificate for host, minting and
// caching a new one on a cache miss.
func (c *CAStore) GetLeafCert(host string) (*tls.Certificate, error) {
	if cert, ok := c.leaves.Get(host); ok {
		return cert, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-check under the lock: another goroutine may have raced us
	// between the lock-free Get above and acquiring mu.
	if cert, ok := c.leaves.Get(host); ok {
		return cert, nil
	}
	cert, err := c.generateLeafCert(host)
	if err != nil {
		return nil, err
	}
	c.leaves.Add(host, cert)
	return cert, nil
}

func generateRootCA() ([]byte, *x509.Certificate, *rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("mitm: generate root key: %w", err)
	}

	notBefore := time.Now().Add(-time.Hour)
	tpl := &x509.Certificate{
		SerialNumber:          randomSerial(),
		Subject:               pkix.Name{CommonName: rootCommonName},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(10, 0, 0),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("mitm: create root cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("mitm: parse root cert: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return certPEM, cert, priv, nil
}

func (c *CAStore) generateLeafCert(host string) (*tls.Certificate, error) {
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("mitm: generate leaf key: %w", err)
	}
	notBefore := time.Now().Add(-time.Hour)
	tpl := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(leafLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	if ip := net.ParseIP(host); ip != nil {
		tpl.IPAddresses = []net.IP{ip}
	} else {
		tpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, c.caCert, &leafKey.PublicKey, c.caKey)
	if err != nil {
		return nil, fmt.Errorf("mitm: create leaf cert: %w", err)
	}
	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(leafKey)})
	pair, err := tls.X509KeyPair(leafPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("mitm: build leaf pair: %w", err)
	}
	return &pair, nil
}

func randomSerial() *big.Int {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return serial
}
