package ca

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/synchronizing/mitm/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.NewWithWriter("CA", "error", io.Discard)
}

// tempAuthority generates a CA in a temp dir and returns it with the dir.
func tempAuthority(t *testing.T, opts ...Option) (*Authority, string) {
	t.Helper()
	dir := t.TempDir()
	a, err := LoadOrCreate(dir, testLogger(), opts...)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	return a, dir
}

// --- LoadOrCreate ---

func TestLoadOrCreate_CreatesFiles(t *testing.T) {
	_, dir := tempAuthority(t)

	for _, name := range []string{CertFileName, KeyFileName} {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("%s missing: %v", name, err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("%s permissions: got %04o, want 0600", name, perm)
		}
	}
}

func TestLoadOrCreate_LoadsExisting(t *testing.T) {
	first, dir := tempAuthority(t)

	second, err := LoadOrCreate(dir, testLogger())
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if !bytes.Equal(first.Certificate().Raw, second.Certificate().Raw) {
		t.Error("reload produced a different CA certificate")
	}
}

func TestLoadOrCreate_NeverOverwrites(t *testing.T) {
	_, dir := tempAuthority(t)

	before, err := os.ReadFile(filepath.Join(dir, CertFileName))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreate(dir, testLogger()); err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	after, err := os.ReadFile(filepath.Join(dir, CertFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("existing CA files were rewritten")
	}
}

func TestLoadOrCreate_ErrorOnCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, CertFileName), []byte("garbage"), 0600)
	os.WriteFile(filepath.Join(dir, KeyFileName), []byte("garbage"), 0600)

	if _, err := LoadOrCreate(dir, testLogger()); err == nil {
		t.Error("expected error for corrupt existing CA files")
	}
}

func TestLoadOrCreate_CAShape(t *testing.T) {
	a, _ := tempAuthority(t)
	cert := a.Certificate()

	if cert.Subject.CommonName != "mitm" {
		t.Errorf("CN: got %q, want %q", cert.Subject.CommonName, "mitm")
	}
	if len(cert.Subject.Organization) != 1 || cert.Subject.Organization[0] != "mitm" {
		t.Errorf("O: got %v, want [mitm]", cert.Subject.Organization)
	}
	if !cert.IsCA {
		t.Error("certificate is not marked CA")
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Error("missing keyCertSign usage")
	}
	if cert.KeyUsage&x509.KeyUsageCRLSign == 0 {
		t.Error("missing cRLSign usage")
	}
	if len(cert.SubjectKeyId) == 0 {
		t.Error("missing SubjectKeyIdentifier")
	}
}

// --- LeafFor ---

func TestLeafFor_Shape(t *testing.T) {
	a, _ := tempAuthority(t)

	leaf, err := a.LeafFor("example.test")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}

	c := leaf.Leaf
	if c.Subject.CommonName != "example.test" {
		t.Errorf("CN: got %q", c.Subject.CommonName)
	}
	if c.Issuer.String() != a.Certificate().Subject.String() {
		t.Errorf("issuer %q != CA subject %q", c.Issuer, a.Certificate().Subject)
	}
	if len(c.DNSNames) != 1 || c.DNSNames[0] != "example.test" {
		t.Errorf("SAN: got %v, want [example.test]", c.DNSNames)
	}
	if c.KeyUsage != x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment {
		t.Errorf("unexpected key usage: %v", c.KeyUsage)
	}
	if len(c.ExtKeyUsage) != 1 || c.ExtKeyUsage[0] != x509.ExtKeyUsageServerAuth {
		t.Errorf("unexpected EKU: %v", c.ExtKeyUsage)
	}
	if !bytes.Equal(c.AuthorityKeyId, a.Certificate().SubjectKeyId) {
		t.Error("AuthorityKeyIdentifier does not match the CA's SubjectKeyIdentifier")
	}
}

func TestLeafFor_VerifiesAgainstCA(t *testing.T) {
	a, _ := tempAuthority(t)

	leaf, err := a.LeafFor("example.test")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	if _, err := leaf.Leaf.Verify(x509.VerifyOptions{
		Roots:    a.Pool(),
		DNSName:  "example.test",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		t.Errorf("leaf does not verify against the CA: %v", err)
	}
}

func TestLeafFor_IPLiteral(t *testing.T) {
	a, _ := tempAuthority(t)

	leaf, err := a.LeafFor("10.0.0.52")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	if len(leaf.Leaf.IPAddresses) != 1 || !leaf.Leaf.IPAddresses[0].Equal(net.IPv4(10, 0, 0, 52)) {
		t.Errorf("IP SAN: got %v", leaf.Leaf.IPAddresses)
	}
	if len(leaf.Leaf.DNSNames) != 0 {
		t.Errorf("unexpected DNS SAN on IP leaf: %v", leaf.Leaf.DNSNames)
	}
}

func TestLeafFor_CacheReturnsIdenticalCert(t *testing.T) {
	a, _ := tempAuthority(t)

	first, err := a.LeafFor("example.test")
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.LeafFor("example.test")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Certificate[0], second.Certificate[0]) {
		t.Error("cached lookup returned a different certificate")
	}
}

func TestLeafFor_EmptyHost(t *testing.T) {
	a, _ := tempAuthority(t)
	if _, err := a.LeafFor(""); err == nil {
		t.Error("expected error for empty host")
	}
}

// --- eviction ---

func TestLeafFor_EvictsOldestOnOverflow(t *testing.T) {
	const size = 3
	a, _ := tempAuthority(t, WithCacheSize(size))

	hosts := []string{"a.test", "b.test", "c.test"}
	firsts := make(map[string][]byte)
	for _, h := range hosts {
		leaf, err := a.LeafFor(h)
		if err != nil {
			t.Fatal(err)
		}
		firsts[h] = leaf.Certificate[0]
	}

	// Insert a fourth host: exactly the oldest entry (a.test) must go.
	if _, err := a.LeafFor("d.test"); err != nil {
		t.Fatal(err)
	}

	// Check the survivors first: re-minting a.test is itself an insertion and
	// would evict the then-oldest entry (b.test).
	for _, h := range []string{"b.test", "c.test"} {
		leaf, err := a.LeafFor(h)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(leaf.Certificate[0], firsts[h]) {
			t.Errorf("%s was evicted; only the oldest entry should go", h)
		}
	}

	again, err := a.LeafFor("a.test")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(again.Certificate[0], firsts["a.test"]) {
		t.Error("evicted host returned the old certificate; expected a fresh mint")
	}
}

// --- concurrency ---

func TestLeafFor_ConcurrentMintsOnce(t *testing.T) {
	a, _ := tempAuthority(t)

	const workers = 16
	var wg sync.WaitGroup
	leaves := make([]*tls.Certificate, workers)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			leaf, err := a.LeafFor("example.test")
			if err != nil {
				t.Errorf("LeafFor: %v", err)
				return
			}
			leaves[i] = leaf
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if leaves[i] == nil || !bytes.Equal(leaves[0].Certificate[0], leaves[i].Certificate[0]) {
			t.Fatalf("concurrent callers observed different certificates (worker %d)", i)
		}
	}
}

// --- persistence round trip ---

func TestLoadThenMintThenLoad(t *testing.T) {
	a, dir := tempAuthority(t)
	caBytes := a.Certificate().Raw

	reloaded, err := LoadOrCreate(dir, testLogger())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	leaf, err := reloaded.LeafFor("roundtrip.test")
	if err != nil {
		t.Fatalf("LeafFor after reload: %v", err)
	}

	pool := x509.NewCertPool()
	parsed, err := x509.ParseCertificate(caBytes)
	if err != nil {
		t.Fatal(err)
	}
	pool.AddCert(parsed)
	if _, err := leaf.Leaf.Verify(x509.VerifyOptions{Roots: pool, DNSName: "roundtrip.test"}); err != nil {
		t.Errorf("leaf from reloaded CA does not verify under the original CA bytes: %v", err)
	}
}
