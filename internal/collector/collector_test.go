package collector

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mcncl/http-audit/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// lineServer accepts connections and collects every line it reads.
type lineServer struct {
	ln    net.Listener
	lines chan string
	wg    sync.WaitGroup
}

func newLineServer(t *testing.T, ln net.Listener) *lineServer {
	t.Helper()
	s := &lineServer{ln: ln, lines: make(chan string, 100)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					s.lines <- scanner.Text()
				}
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *lineServer) next(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case line := <-s.lines:
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("collector received invalid JSON %q: %v", line, err)
		}
		return entry
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a record")
		return nil
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestClientSendsJSONLines(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	srv := newLineServer(t, ln)

	client, err := New(Options{Address: ln.Addr().String(), AppName: "orders", ErrorLog: quietLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger := slog.New(client.Handler()).With("request_id", "req-1")
	logger.Info("Request", "event", "request", "payload", `{"a":1}`, "audit", true)
	logger.Debug("below level")
	logger.Info("Response", "event", "response", "status", 200, "audit", true)

	first := srv.next(t)
	second := srv.next(t)

	if first["appname"] != "orders" || first["msg"] != "Request" || first["request_id"] != "req-1" {
		t.Errorf("first record = %v", first)
	}
	if first["payload"] != `{"a":1}` {
		t.Errorf("payload = %v", first["payload"])
	}
	if second["msg"] != "Response" || second["status"] != float64(200) {
		t.Errorf("second record = %v", second)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if stats := client.Stats(); stats.Sent != 2 || stats.Dropped != 0 || stats.Dials != 1 {
		t.Errorf("Stats() = %+v", stats)
	}

	// records after Close are dropped, not sent
	logger.Info("late")
	if stats := client.Stats(); stats.Dropped != 1 {
		t.Errorf("Dropped after Close = %d, want 1", stats.Dropped)
	}
}

func TestClientDropsWhenUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	client, err := New(Options{Address: addr, ReconnectsPerMinute: 1, ErrorLog: quietLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger := slog.New(client.Handler())
	for i := 0; i < 3; i++ {
		logger.Info("lost")
	}
	client.Close()

	stats := client.Stats()
	if stats.Sent != 0 || stats.Dropped != 3 {
		t.Errorf("Stats() = %+v, want 3 dropped", stats)
	}
	// the limiter allows a single dial per minute
	if stats.Dials != 1 {
		t.Errorf("Dials = %d, want 1", stats.Dials)
	}
}

func TestNewValidatesAddress(t *testing.T) {
	for _, addr := range []string{"", "no-port"} {
		if _, err := New(Options{Address: addr}); !errors.IsValidationError(err) {
			t.Errorf("New(%q) error = %v, want validation error", addr, err)
		}
	}
}

func TestClientTLS(t *testing.T) {
	certPEM, cert := selfSignedCert(t)

	dir := t.TempDir()
	caPath := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(caPath, certPEM, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	tlsConfig, err := LoadTrustStore(caPath)
	if err != nil {
		t.Fatalf("LoadTrustStore() error = %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	srv := newLineServer(t, ln)

	client, err := New(Options{Address: ln.Addr().String(), TLSConfig: tlsConfig, AppName: "tls-app", ErrorLog: quietLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	slog.New(client.Handler()).Info("over tls", "audit", true)

	if got := srv.next(t); got["appname"] != "tls-app" || got["msg"] != "over tls" {
		t.Errorf("record = %v", got)
	}
}

func TestLoadTrustStoreErrors(t *testing.T) {
	if _, err := LoadTrustStore(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("expected error for missing trust store")
	}

	path := filepath.Join(t.TempDir(), "empty.pem")
	if err := os.WriteFile(path, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := LoadTrustStore(path); !errors.IsValidationError(err) {
		t.Errorf("LoadTrustStore() error = %v, want validation error", err)
	}
}

func selfSignedCert(t *testing.T) ([]byte, tls.Certificate) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "collector"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey() error = %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("X509KeyPair() error = %v", err)
	}
	return certPEM, cert
}
