package smtptest

import (
	"crypto/tls"
	"path/filepath"
	"testing"
	"time"

	"github.com/flashmob/go-guerrilla/tests/testcert"
)

// GenerateTLSFiles writes a TLS key and certificate to a temporary test
// directory that is removed after the test suite runs. It returns the file
// paths of the key and certificate. The certificate is a root cert.
func GenerateTLSFiles(t *testing.T) (keyPath string, certPath string, err error) {
	host := "127.0.0.1"
	d := t.TempDir()
	err = testcert.GenerateCert(
		host,
		"",                         // defaults to now
		time.Duration(1)*time.Hour, // the test suite won't run for this long
		true,                       // is a CA cert
		2048,                       // usually seen in online tutorials
		"",                         // using the default ecdsa curve,
		d+string(filepath.Separator),
	)

	if err != nil {
		return
	}

	// These path names are hardcoded into testcert.GenerateCert, which
	// prepends the directory as given
	keyPath = filepath.Join(d, host+".key.pem")
	certPath = filepath.Join(d, host+".cert.pem")

	return
}

// ServerTLSConfig loads the files from GenerateTLSFiles into a server-side
// TLS configuration.
func ServerTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	k, c, err := GenerateTLSFiles(t)
	if err != nil {
		t.Fatalf("can't generate TLS files: %v", err)
	}
	cert, err := tls.LoadX509KeyPair(c, k)
	if err != nil {
		t.Fatalf("can't load the generated key pair: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}
