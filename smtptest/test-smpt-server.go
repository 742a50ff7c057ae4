package smtptest

// Server is an SMTP server that a test sends mail to. The server should be
// able to return the payloads of messages sent to it during the test suite.
// The server is meant to start during a test (or test suite) and stop right
// after.
type Server interface {
	// Start serves connections until Close is called. Blocking, so run
	// it in its own goroutine.
	Start() error

	// Close stops the server. It doesn't return an error so it's easier
	// to use with defer.
	Close()

	// RetrieveEmails returns the payloads of all email messages sent to the
	// server during the test/suite after time t in Unix epoch nanoseconds.
	RetrieveEmails(t int64) ([]string, error)

	// Address returns the host:port of the server.
	Address() string
}

var (
	_ Server = (*InProcessServer)(nil)
	_ Server = (*FakeRelay)(nil)
)
