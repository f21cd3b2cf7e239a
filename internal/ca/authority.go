// Package ca provides the certificate authority engine behind TLS
// interception. It loads or generates a local root CA, mints per-host leaf
// certificates signed by it, and keeps a bounded insertion-ordered cache of
// issued leaves so repeat CONNECTs to the same host present an identical
// certificate.
package ca

import (
	"container/list"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/synchronizing/mitm/internal/logger"
	"github.com/synchronizing/mitm/internal/metrics"
)

const (
	// CertFileName and KeyFileName are the on-disk names of the root CA
	// material inside the configured CA directory. Existing files are never
	// overwritten.
	CertFileName = "mitm.pem"
	KeyFileName  = "mitm.key"

	// DefaultCacheSize bounds the in-memory leaf cache. Insertion-ordered
	// eviction: the oldest minted entry goes first.
	DefaultCacheSize = 100

	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 10 * 365 * 24 * time.Hour
)

// Authority holds root CA material and mints leaf certificates on demand.
// Safe for concurrent use; two concurrent LeafFor calls for the same host
// produce a single mint.
type Authority struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
	pem  []byte // PEM encoding of cert, served to clients for trust bootstrap

	log *logger.Logger

	mu       sync.Mutex
	maxSize  int
	entries  map[string]*tls.Certificate
	order    *list.List // element values are hostname strings, oldest at front
	inflight map[string]*mintCall

	store LeafStore // nil = in-memory only

	metrics *metrics.Metrics // nil = no metrics
}

// mintCall tracks an in-progress mint so concurrent callers for the same
// host wait on the first instead of generating a second keypair.
type mintCall struct {
	done chan struct{}
	cert *tls.Certificate
	err  error
}

// Option configures an Authority.
type Option func(*Authority)

// WithCacheSize overrides the leaf cache bound. Values < 1 keep the default.
func WithCacheSize(n int) Option {
	return func(a *Authority) {
		if n >= 1 {
			a.maxSize = n
		}
	}
}

// WithStore layers a persistent leaf store behind the in-memory cache.
// Evicted entries are deleted from the store so its size stays bounded too.
func WithStore(s LeafStore) Option {
	return func(a *Authority) { a.store = s }
}

// WithMetrics records mint counts and latencies on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authority) { a.metrics = m }
}

// LoadOrCreate loads root CA material from dir, generating and persisting a
// fresh CA on first run. If the files exist but do not parse, an error is
// returned rather than silently regenerating (the operator may have trusted
// the existing certificate).
func LoadOrCreate(dir string, log *logger.Logger, opts ...Option) (*Authority, error) {
	certFile := filepath.Join(dir, CertFileName)
	keyFile := filepath.Join(dir, KeyFileName)

	a, err := load(certFile, keyFile, log)
	if err == nil {
		log.Infof("ca_load", "loaded root CA from %s", certFile)
		return a.apply(opts), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load root CA: %w", err)
	}

	log.Info("ca_generate", "root CA not found, generating")
	if err := generate(certFile, keyFile); err != nil {
		return nil, fmt.Errorf("generate root CA: %w", err)
	}
	a, err = load(certFile, keyFile, log)
	if err != nil {
		return nil, fmt.Errorf("load generated root CA: %w", err)
	}
	log.Infof("ca_generate", "wrote %s and %s", certFile, keyFile)
	log.Info("ca_generate", "trust the CA certificate to intercept TLS:")
	log.Infof("ca_generate", "  macOS:   security add-trusted-cert -d -r trustRoot -k ~/Library/Keychains/login.keychain %s", certFile)
	log.Infof("ca_generate", "  Linux:   sudo cp %s /usr/local/share/ca-certificates/mitm.crt && sudo update-ca-certificates", certFile)
	log.Infof("ca_generate", "  Windows: certutil -addstore Root %s", certFile)
	return a.apply(opts), nil
}

func (a *Authority) apply(opts []Option) *Authority {
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// load reads CA material from PEM files. Missing files surface os.ErrNotExist.
func load(certFile, keyFile string, log *logger.Logger) (*Authority, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("no PEM block found in %s", certFile)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("no PEM block found in %s", keyFile)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		// Try PKCS8 as fallback (openssl may produce either format)
		k, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parse CA key: %w (also tried PKCS8: %v)", err, err2)
		}
		var ok bool
		key, ok = k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("CA key is not RSA")
		}
	}

	return &Authority{
		cert:     cert,
		key:      key,
		pem:      certPEM,
		log:      log,
		maxSize:  DefaultCacheSize,
		entries:  make(map[string]*tls.Certificate),
		order:    list.New(),
		inflight: make(map[string]*mintCall),
	}, nil
}

// generate creates a self-signed root CA and writes it to the given paths.
func generate(certFile, keyFile string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	// Subject Key Identifier: SHA-1 over the PKIX public key, so leaves can
	// carry a matching Authority Key Identifier (RFC 5280 §4.2.1.2).
	pkixpub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	ski := sha1.Sum(pkixpub)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "mitm",
			Organization: []string{"mitm"},
		},
		SubjectKeyId:          ski[:],
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA cert: %w", err)
	}

	// Write cert PEM (public certificate — 0600 for consistency with the key)
	certOut, err := os.OpenFile(certFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create cert file: %w", err)
	}
	defer certOut.Close() //nolint:errcheck // best-effort close
	if encErr := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); encErr != nil {
		return fmt.Errorf("write cert PEM: %w", encErr)
	}

	keyOut, err := os.OpenFile(keyFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	defer keyOut.Close() //nolint:errcheck // best-effort close
	if encErr := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}); encErr != nil {
		return fmt.Errorf("write key PEM: %w", encErr)
	}

	return nil
}

// Certificate returns the public root CA certificate. The private key never
// leaves the package.
func (a *Authority) Certificate() *x509.Certificate {
	return a.cert
}

// PEM returns the PEM encoding of the public root CA certificate.
func (a *Authority) PEM() []byte {
	return a.pem
}

// Pool returns a certificate pool containing only the root CA, usable for
// verifying minted leaves in tests and by local clients.
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.cert)
	return pool
}

// LeafFor returns a certificate valid for host, minting and caching one on
// first use. Repeat calls for the same host return the identical certificate
// until the entry is evicted.
func (a *Authority) LeafFor(host string) (*tls.Certificate, error) {
	if host == "" {
		return nil, fmt.Errorf("host must not be empty")
	}
	host = strings.ToLower(host)

	a.mu.Lock()
	if leaf, ok := a.entries[host]; ok {
		a.mu.Unlock()
		if a.metrics != nil {
			a.metrics.CertCacheHits.Add(1)
		}
		return leaf, nil
	}
	if call, ok := a.inflight[host]; ok {
		// Another goroutine is minting this host; wait for it.
		a.mu.Unlock()
		<-call.done
		return call.cert, call.err
	}
	call := &mintCall{done: make(chan struct{})}
	a.inflight[host] = call
	a.mu.Unlock()

	// Key generation happens outside the lock; it is the expensive step.
	leaf, err := a.obtain(host)

	a.mu.Lock()
	delete(a.inflight, host)
	if err == nil {
		a.insert(host, leaf)
	}
	a.mu.Unlock()

	call.cert = leaf
	call.err = err
	close(call.done)
	return leaf, err
}

// obtain consults the persistent store before minting a fresh leaf.
func (a *Authority) obtain(host string) (*tls.Certificate, error) {
	if a.store != nil {
		if leaf, ok := a.store.Get(host); ok {
			a.log.Debugf("leaf_load", "restored certificate for %s from store", host)
			return leaf, nil
		}
	}
	leaf, err := a.mint(host)
	if err != nil {
		return nil, err
	}
	if a.store != nil {
		a.store.Put(host, leaf)
	}
	return leaf, nil
}

// insert records a minted leaf; caller holds a.mu.
func (a *Authority) insert(host string, leaf *tls.Certificate) {
	if _, ok := a.entries[host]; ok {
		return
	}
	a.entries[host] = leaf
	a.order.PushBack(host)
	for len(a.entries) > a.maxSize {
		front := a.order.Front()
		a.order.Remove(front)
		oldest := front.Value.(string)
		delete(a.entries, oldest)
		if a.store != nil {
			a.store.Delete(oldest)
		}
		a.log.Debugf("leaf_evict", "evicted certificate for %s", oldest)
	}
}

// mint generates a keypair and signs a leaf certificate for host with the CA.
func (a *Authority) mint(host string) (*tls.Certificate, error) {
	start := time.Now()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{"mitm"},
		},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	// AuthorityKeyId is filled in from the parent's SubjectKeyId by
	// x509.CreateCertificate; the signature algorithm defaults to SHA-256
	// for RSA keys.
	derBytes, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("sign leaf cert: %w", err)
	}

	leaf := &tls.Certificate{
		Certificate: [][]byte{derBytes, a.cert.Raw},
		PrivateKey:  key,
	}
	leaf.Leaf, _ = x509.ParseCertificate(derBytes)

	if a.metrics != nil {
		a.metrics.CertsMinted.Add(1)
		a.metrics.RecordMintLatency(time.Since(start))
	}
	a.log.Debugf("leaf_mint", "minted certificate for %s in %s", host, time.Since(start).Round(time.Millisecond))
	return leaf, nil
}

// CachedHosts returns the hostnames currently in the in-memory cache, oldest
// first. Used by the management status endpoint.
func (a *Authority) CachedHosts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	hosts := make([]string, 0, a.order.Len())
	for e := a.order.Front(); e != nil; e = e.Next() {
		hosts = append(hosts, e.Value.(string))
	}
	return hosts
}

// Close releases the persistent store, if any.
func (a *Authority) Close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}
