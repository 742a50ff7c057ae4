package e2e

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ptgott/batchmail/smtptest"
)

// testEnvironment manages all dependencies required to simulate a "real"
// environment and run the e2e tests. Callers should create this via
// startTestEnvironment.
type testEnvironment struct {
	SMTPServer *smtptest.InProcessServer
	dir        string // holds the config, queue and attachment files
}

// startTestEnvironment spins up an in-process relay that requires STARTTLS
// and AUTH. Everything is torn down when the test ends.
func startTestEnvironment(t *testing.T) (*testEnvironment, error) {
	te := &testEnvironment{dir: t.TempDir()}

	ts, err := smtptest.NewInProcessServer(smtptest.ServerTLSConfig(t), true)
	if err != nil {
		return nil, fmt.Errorf("could not start the test SMTP server: %w", err)
	}
	te.SMTPServer = ts
	go ts.Start()
	t.Cleanup(ts.Close)

	return te, nil
}

// path returns the absolute path of name inside the environment's
// directory.
func (te *testEnvironment) path(name string) string {
	return filepath.Join(te.dir, name)
}

// writeFile creates a file in the environment's directory and returns its
// path.
func (te *testEnvironment) writeFile(name string, content []byte) (string, error) {
	p := te.path(name)
	if err := os.WriteFile(p, content, 0o600); err != nil {
		return "", fmt.Errorf("couldn't write %v: %w", name, err)
	}
	return p, nil
}
