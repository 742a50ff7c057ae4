package smtptest

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// doubtful we'll get an email this big, but we need a limit
const maxEmailSize = 100 * units.MiB

// Received is one message accepted by a test server, along with the
// envelope it arrived with.
type Received struct {
	created time.Time
	From    string
	To      []string
	Data    string
	// User is the authenticated login, if any.
	User string
	// TLS is true if the transaction ran over an upgraded connection.
	TLS bool
}

// Backend implements smtp.Backend. It's a thin authentication wrapper
// for an InMemoryEmailStore.
type Backend struct {
	*InMemoryEmailStore
	// RequireAuth rejects transactions from clients that haven't logged
	// in.
	RequireAuth bool
}

// Login implements smtp.Backend. Any username/password is fine, since we
// don't want to couple this with specific test configurations.
func (be *Backend) Login(state *smtp.ConnectionState, username string, password string) (smtp.Session, error) {
	if username != "" && password != "" {
		return be.newSession(state, username), nil
	}
	return nil, errors.New("no username or password provided")
}

// AnonymousLogin implements smtp.Backend.
func (be *Backend) AnonymousLogin(state *smtp.ConnectionState) (smtp.Session, error) {
	if be.RequireAuth {
		return nil, smtp.ErrAuthRequired
	}
	return be.newSession(state, ""), nil
}

func (be *Backend) newSession(state *smtp.ConnectionState, user string) *session {
	return &session{
		store: be.InMemoryEmailStore,
		user:  user,
		tls:   state.TLS.HandshakeComplete,
	}
}

// session implements smtp.Session, collecting one envelope at a time.
type session struct {
	store *InMemoryEmailStore
	user  string
	tls   bool
	from  string
	to    []string
}

// Reset implements smtp.Session.
func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout implements smtp.Session. No-op here.
func (s *session) Logout() error { return nil }

// Mail implements smtp.Session.
func (s *session) Mail(from string, _ smtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt implements smtp.Session.
func (s *session) Rcpt(to string) error {
	s.to = append(s.to, to)
	return nil
}

// Data implements smtp.Session. Stores the email data in memory for
// retrieval at the end of the test.
func (s *session) Data(r io.Reader) error {
	buf, err := io.ReadAll(io.LimitReader(r, maxEmailSize))
	if err != nil {
		return err
	}
	s.store.save(Received{
		From: s.from,
		To:   append([]string(nil), s.to...),
		Data: string(buf),
		User: s.user,
		TLS:  s.tls,
	})
	return nil
}

// InMemoryEmailStore retains email bodies in memory for comparison against
// a test's expected output.
// Designed to be goroutine safe since we don't know how many goroutines will
// be hitting the server at once.
type InMemoryEmailStore struct {
	mu       sync.Mutex
	messages []Received
}

// save stores a message along with a timestamp created just prior to
// saving
func (es *InMemoryEmailStore) save(m Received) {
	es.mu.Lock()
	defer es.mu.Unlock()

	m.created = time.Now()
	es.messages = append(es.messages, m)
}

// Messages returns every message received so far.
func (es *InMemoryEmailStore) Messages() []Received {
	es.mu.Lock()
	defer es.mu.Unlock()
	return append([]Received(nil), es.messages...)
}

// RetrieveEmails returns a slice of all message bodies (as strings)
// sent after epoch nanoseconds t
// Satisfies smtptest.Server but isn't expected to return an error.
func (es *InMemoryEmailStore) RetrieveEmails(t int64) ([]string, error) {
	es.mu.Lock()
	defer es.mu.Unlock()

	r := make([]string, 0, len(es.messages))
	for _, m := range es.messages {
		if m.created.UnixNano() >= t {
			r = append(r, m.Data)
		}
	}
	return r, nil
}

// InProcessServer is an SMTP server that runs in the same process as the
// test suite, letting us inspect sent emails. You must initialize this
// via NewInProcessServer
type InProcessServer struct {
	*smtp.Server
	*InMemoryEmailStore
	ln net.Listener
}

// NewInProcessServer creates an InProcessServer listening on a free
// loopback port, including configuring its SMTP server to store incoming
// messages in memory. With a non-nil tlsConfig, the server offers STARTTLS
// and only accepts AUTH over TLS. LOGIN and PLAIN are both offered.
func NewInProcessServer(tlsConfig *tls.Config, requireAuth bool) (*InProcessServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	is := &InMemoryEmailStore{}
	be := &Backend{
		InMemoryEmailStore: is,
		RequireAuth:        requireAuth,
	}
	srv := smtp.NewServer(be)

	srv.Addr = ln.Addr().String()
	srv.Domain = "localhost"
	srv.MaxMessageBytes = int(maxEmailSize)
	srv.AuthDisabled = false
	srv.AllowInsecureAuth = tlsConfig == nil
	// Strict enforces <address> syntax in MAIL and RCPT:
	// https://github.com/emersion/go-smtp/blob/f92bf7f1a25777bcdaa28a142b1cd1a54b74c8f4/conn.go#L321-L325
	srv.Strict = true
	srv.TLSConfig = tlsConfig

	srv.EnableAuth(mechLogin, func(conn *smtp.Conn) sasl.Server {
		return newLoginServer(func(username, password string) error {
			state := conn.State()
			s, err := be.Login(&state, username, password)
			if err != nil {
				return err
			}
			conn.SetSession(s)
			return nil
		})
	})

	return &InProcessServer{
		Server:             srv,
		InMemoryEmailStore: is,
		ln:                 ln,
	}, nil
}

// Start serves connections until Close. Blocking.
func (is *InProcessServer) Start() error {
	// Not using ListenAndServeTLS--the client should upgrade the connection
	// to TLS
	err := is.Server.Serve(is.ln)
	if err != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Close shuts down the test server. You must initialize a new
// InProcessServer instead of restarting this one.
func (is *InProcessServer) Close() {
	is.Server.Close()
	is.ln.Close()
}

// Address returns the host:port of the test SMTP server.
func (is *InProcessServer) Address() string {
	return is.ln.Addr().String()
}
