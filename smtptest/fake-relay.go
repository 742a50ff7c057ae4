package smtptest

import (
	"bufio"
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"time"
)

// NoReply makes an overridden step go silent, e.g., to test read
// timeouts.
const NoReply = "\x00"

// Override keys for FakeRelay.Override besides the verbs themselves.
const (
	// KeyGreeting is the banner sent on connect.
	KeyGreeting = "GREETING"
	// KeyDataEnd is the reply after the end-of-data line.
	KeyDataEnd = "DATA-END"
)

// Command is one line a FakeRelay read from a client.
type Command struct {
	Line string
	// TLS is true if the line arrived over an upgraded connection.
	TLS bool
	// Conn numbers connections from 1 in the order they were accepted.
	Conn int
}

// FakeRelay is a scripted SMTP server for exercising the client's state
// machine. It accepts whatever it's sent unless told otherwise with
// Override, and records every line it reads.
type FakeRelay struct {
	ln        net.Listener
	tlsConfig *tls.Config

	mu        sync.Mutex
	overrides map[string]string
	commands  []Command
	conns     int
	store     InMemoryEmailStore
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewFakeRelay listens on a free loopback port. With a nil tlsConfig,
// STARTTLS is acknowledged but the connection is never upgraded.
func NewFakeRelay(tlsConfig *tls.Config) (*FakeRelay, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	return &FakeRelay{
		ln:        ln,
		tlsConfig: tlsConfig,
		overrides: map[string]string{},
		done:      make(chan struct{}),
	}, nil
}

// Override replaces the reply for a step. key is a verb (EHLO, STARTTLS,
// AUTH, MAIL, RCPT, DATA, RSET, QUIT), "RCPT <addr>" for a single
// recipient, KeyGreeting or KeyDataEnd. reply may hold several lines
// separated by CRLF, or be NoReply.
func (f *FakeRelay) Override(key, reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[key] = reply
}

func (f *FakeRelay) reply(key, def string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.overrides[key]; ok {
		return r
	}
	return def
}

// Commands returns every line read so far, in order.
func (f *FakeRelay) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.commands...)
}

// Lines returns just the text of Commands.
func (f *FakeRelay) Lines() []string {
	var r []string
	for _, c := range f.Commands() {
		r = append(r, c.Line)
	}
	return r
}

// Connections returns how many connections have been accepted.
func (f *FakeRelay) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns
}

// Messages returns every message accepted so far.
func (f *FakeRelay) Messages() []Received {
	return f.store.Messages()
}

// RetrieveEmails implements Server.
func (f *FakeRelay) RetrieveEmails(t int64) ([]string, error) {
	return f.store.RetrieveEmails(t)
}

// Address implements Server.
func (f *FakeRelay) Address() string {
	return f.ln.Addr().String()
}

// Start accepts connections until Close. Blocking.
func (f *FakeRelay) Start() error {
	for {
		c, err := f.ln.Accept()
		if err != nil {
			select {
			case <-f.done:
				return nil
			default:
				return err
			}
		}
		f.mu.Lock()
		f.conns++
		n := f.conns
		f.mu.Unlock()

		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.serve(c, n)
		}()
	}
}

// Close stops accepting connections and waits for open ones to finish.
func (f *FakeRelay) Close() {
	select {
	case <-f.done:
		return
	default:
	}
	close(f.done)
	f.ln.Close()
	f.wg.Wait()
}

// relayConn is the per-connection state of a FakeRelay.
type relayConn struct {
	nc   net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	tls  bool
	n    int
	from string
	to   []string
	user string
}

func (f *FakeRelay) serve(nc net.Conn, n int) {
	c := &relayConn{nc: nc, r: bufio.NewReader(nc), w: bufio.NewWriter(nc), n: n}
	defer func() { c.nc.Close() }()

	// Don't let a stuck client hold up Close forever.
	go func() {
		<-f.done
		nc.SetDeadline(time.Now())
	}()

	if !f.send(c, f.reply(KeyGreeting, "220 fake.relay ESMTP ready")) {
		return
	}

	for {
		line, ok := f.read(c)
		if !ok {
			return
		}
		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)
		if strings.HasPrefix(verb, "MAIL") {
			verb = "MAIL"
		} else if strings.HasPrefix(verb, "RCPT") {
			verb = "RCPT"
		}

		switch verb {
		case "EHLO", "HELO":
			f.send(c, f.reply("EHLO", "250-fake.relay\r\n250-PIPELINING\r\n250-SIZE 10485760\r\n250-STARTTLS\r\n250 AUTH LOGIN PLAIN XOAUTH2"))
		case "STARTTLS":
			r := f.reply("STARTTLS", "220 go ahead")
			if !f.send(c, r) {
				return
			}
			if strings.HasPrefix(r, "220") && f.tlsConfig != nil {
				tc := tls.Server(c.nc, f.tlsConfig)
				if err := tc.Handshake(); err != nil {
					return
				}
				c.nc = tc
				c.r = bufio.NewReader(tc)
				c.w = bufio.NewWriter(tc)
				c.tls = true
				c.from, c.to = "", nil
			}
		case "AUTH":
			if !f.auth(c, arg) {
				return
			}
		case "MAIL":
			r := f.reply("MAIL", "250 ok")
			if strings.HasPrefix(r, "250") {
				c.from = envelopeArg(line)
			}
			f.send(c, r)
		case "RCPT":
			to := envelopeArg(line)
			r := f.reply("RCPT "+to, f.reply("RCPT", "250 ok"))
			if strings.HasPrefix(r, "250") {
				c.to = append(c.to, to)
			}
			f.send(c, r)
		case "DATA":
			r := f.reply("DATA", "354 end data with <CR><LF>.<CR><LF>")
			if !f.send(c, r) {
				return
			}
			if !strings.HasPrefix(r, "354") {
				continue
			}
			data, ok := f.data(c)
			if !ok {
				return
			}
			r = f.reply(KeyDataEnd, "250 queued")
			if strings.HasPrefix(r, "250") {
				f.store.save(Received{
					From: c.from,
					To:   append([]string(nil), c.to...),
					Data: data,
					User: c.user,
					TLS:  c.tls,
				})
			}
			f.send(c, r)
		case "RSET":
			c.from, c.to = "", nil
			f.send(c, f.reply("RSET", "250 ok"))
		case "NOOP":
			f.send(c, "250 ok")
		case "QUIT":
			f.send(c, f.reply("QUIT", "221 bye"))
			return
		default:
			f.send(c, "502 command not implemented")
		}
	}
}

// auth walks through the LOGIN, PLAIN or XOAUTH2 exchange, accepting any
// credentials unless AUTH is overridden.
func (f *FakeRelay) auth(c *relayConn, arg string) bool {
	mech, ir, _ := strings.Cut(arg, " ")
	var prompts []string
	switch strings.ToUpper(mech) {
	case "LOGIN":
		prompts = []string{"334 VXNlcm5hbWU6", "334 UGFzc3dvcmQ6"}
	case "PLAIN", "XOAUTH2":
		if ir == "" {
			prompts = []string{"334 "}
		}
	default:
		return f.send(c, "504 unrecognized authentication type")
	}
	for i, p := range prompts {
		if !f.send(c, p) {
			return false
		}
		l, ok := f.read(c)
		if !ok {
			return false
		}
		if l == "*" {
			return f.send(c, "501 authentication cancelled")
		}
		if i == 0 {
			c.user = l
		}
	}
	return f.send(c, f.reply("AUTH", "235 authentication succeeded"))
}

// data reads a message up to the end-of-data line and removes dot
// stuffing.
func (f *FakeRelay) data(c *relayConn) (string, bool) {
	var b strings.Builder
	for {
		l, err := c.r.ReadString('\n')
		if err != nil {
			return "", false
		}
		if l == ".\r\n" {
			return b.String(), true
		}
		if strings.HasPrefix(l, ".") {
			l = l[1:]
		}
		b.WriteString(l)
	}
}

func (f *FakeRelay) read(c *relayConn) (string, bool) {
	l, err := c.r.ReadString('\n')
	if err != nil {
		return "", false
	}
	l = strings.TrimRight(l, "\r\n")
	f.mu.Lock()
	f.commands = append(f.commands, Command{Line: l, TLS: c.tls, Conn: c.n})
	f.mu.Unlock()
	return l, true
}

func (f *FakeRelay) send(c *relayConn, reply string) bool {
	if reply == NoReply {
		return true
	}
	if _, err := c.w.WriteString(reply + "\r\n"); err != nil {
		return false
	}
	return c.w.Flush() == nil
}

// envelopeArg pulls the address out of MAIL FROM:<a> SIZE=n or RCPT TO:<a>.
func envelopeArg(line string) string {
	_, a, ok := strings.Cut(line, ":")
	if !ok {
		return ""
	}
	a = strings.TrimSpace(a)
	if i := strings.IndexByte(a, ' '); i >= 0 {
		a = a[:i]
	}
	return a
}
