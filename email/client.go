package email

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-sasl"
	"github.com/ptgott/batchmail/message"
	"github.com/ptgott/batchmail/payload"
	"github.com/ptgott/batchmail/sentcopy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Dialer opens the transport connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// TLSUpgrader turns a plain connection into an encrypted one after the
// server accepts STARTTLS. It's called at most once per session.
type TLSUpgrader func(ctx context.Context, c net.Conn) (net.Conn, error)

// Option configures a Client.
type Option func(*Client)

// WithDialer sets the Dialer used to reach the relay.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithTLSConfig sets the configuration for the default TLSUpgrader.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = cfg }
}

// WithTLSUpgrader replaces the crypto/tls handshake used after STARTTLS.
func WithTLSUpgrader(u TLSUpgrader) Option {
	return func(c *Client) { c.upgrade = u }
}

// WithLogger sets the logger for session events and the verbose transcript.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithSentCopy saves every accepted message with a.
func WithSentCopy(a sentcopy.Appender) Option {
	return func(c *Client) { c.sentCopy = a }
}

// WithSerializer sets how messages are rendered for DATA.
func WithSerializer(s payload.Serializer) Option {
	return func(c *Client) { c.serializer = s }
}

// WithClock sets the source of send timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client sends message queues to a single relay. A Client may be reused for
// several queues but must not run more than one Send at a time.
type Client struct {
	uc         UserConfig
	dialer     Dialer
	tlsConfig  *tls.Config
	upgrade    TLSUpgrader
	log        zerolog.Logger
	sentCopy   sentcopy.Appender
	serializer payload.Serializer
	now        func() time.Time
}

// NewClient validates uc and returns a Client that sends through the relay
// it describes.
func NewClient(uc UserConfig, opts ...Option) (*Client, error) {
	c, err := uc.CheckAndSetDefaults()
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Op: "config", Err: err}
	}

	cl := &Client{
		uc:     c,
		dialer: &net.Dialer{},
		log:    log.Logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(cl)
	}
	if cl.upgrade == nil {
		cl.upgrade = cl.tlsUpgrade
	}
	return cl, nil
}

// Config returns the validated relay configuration.
func (c *Client) Config() UserConfig {
	return c.uc
}

func (c *Client) tlsUpgrade(ctx context.Context, nc net.Conn) (net.Conn, error) {
	cfg := &tls.Config{}
	if c.tlsConfig != nil {
		cfg = c.tlsConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.uc.Host
	}
	if c.uc.SkipCertVerification {
		cfg.InsecureSkipVerify = true
	}
	tc := tls.Client(nc, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// SendMessage adds f to q and sends the whole queue.
func (c *Client) SendMessage(ctx context.Context, q *message.Queue, f message.Fields) (*message.Queue, error) {
	if q == nil {
		return nil, &BatchError{
			Kind: KindConfiguration,
			Err:  &Error{Kind: KindConfiguration, Op: "send", Err: ErrNoQueue},
		}
	}
	q.Add(f)
	return c.Send(ctx, q)
}

// Send transacts every message in q over one connection, in order, and
// returns q with each message's outcome recorded on it.
//
// The error is nil only if every message was accepted. Otherwise it is a
// *BatchError whose Kind tells the caller how far the session got:
// KindConfiguration (nothing sent, no connection made), KindConnection or
// KindProtocol (the session was cut short and later messages have no
// outcome) or KindPartial (every message was attempted and some failed).
func (c *Client) Send(ctx context.Context, q *message.Queue) (*message.Queue, error) {
	if q == nil || q.Len() == 0 {
		return q, &BatchError{
			Kind:  KindConfiguration,
			Err:   &Error{Kind: KindConfiguration, Op: "send", Err: ErrEmptyQueue},
			Queue: q,
		}
	}

	s, err := c.open(ctx)
	if err != nil {
		c.log.Error().Err(err).Str("relay", c.uc.Address()).Msg("couldn't establish an SMTP session")
		return q, &BatchError{Kind: KindOf(err), Err: err, Queue: q}
	}
	defer s.close()

	for i, m := range q.Messages() {
		if err := ctx.Err(); err != nil {
			s.setState(StateFailed)
			return q, &BatchError{
				Kind:  KindConnection,
				Err:   &Error{Kind: KindConnection, Op: "send", Err: err},
				Queue: q,
			}
		}
		if err := s.transact(ctx, i, m); err != nil {
			s.abort()
			return q, &BatchError{Kind: KindOf(err), Err: err, Queue: q}
		}
	}

	s.quit()

	if be := partial(q); be != nil {
		c.log.Warn().
			Int("failed", len(q.Failed())).
			Int("total", q.Len()).
			Msg("some messages weren't sent")
		return q, be
	}
	c.log.Info().Int("total", q.Len()).Msg("all messages sent")
	return q, nil
}

// open runs the session up to the point where transactions can start:
// connect, greeting, EHLO, then STARTTLS and AUTH if configured.
func (c *Client) open(ctx context.Context) (*session, error) {
	s := &session{
		client: c,
		log:    c.log.With().Str("relay", c.uc.Address()).Logger(),
	}
	s.setState(StateDisconnected)

	dctx, cancel := context.WithTimeout(ctx, c.uc.ConnectTimeout)
	nc, err := c.dialer.DialContext(dctx, "tcp", c.uc.Address())
	cancel()
	if err != nil {
		s.setState(StateFailed)
		return nil, &Error{Kind: KindConnection, Op: "dial", Err: err}
	}

	var transcript *zerolog.Logger
	if c.uc.Verbose {
		t := s.log.With().Logger()
		transcript = &t
	}
	s.conn = newConn(nc, c.uc.ReadTimeout, transcript)
	s.stop = context.AfterFunc(ctx, func() { nc.Close() })
	s.setState(StateConnected)

	r, err := s.conn.readReply()
	if err != nil {
		s.setState(StateFailed)
		s.close()
		return nil, &Error{Kind: KindConnection, Op: "greeting", Err: err}
	}
	s.log.Debug().Int("code", r.code).Str("banner", r.text()).Msg("read server greeting")
	s.setState(StateGreeted)

	if err := s.hello(); err != nil {
		return nil, s.fail(err)
	}

	if c.uc.TLS {
		if err := s.startTLS(ctx); err != nil {
			return nil, s.fail(err)
		}
	}

	if err := s.auth(); err != nil {
		return nil, s.fail(err)
	}

	return s, nil
}

// session is one connect-to-quit lifecycle. It is owned by a single Send.
type session struct {
	client *Client
	conn   *conn
	state  State
	log    zerolog.Logger
	stop   func() bool
	closed bool
}

func (s *session) setState(st State) {
	s.state = st
	s.log.Debug().Str("state", st.String()).Msg("session state changed")
}

// cmd sends line and checks the reply code against want. A mismatch becomes
// an *Error of the given kind.
func (s *session) cmd(op string, kind Kind, line string, want int) (reply, error) {
	if err := s.conn.writeLine(line); err != nil {
		return reply{}, s.ioError(op, err)
	}
	return s.expect(op, kind, want)
}

func (s *session) expect(op string, kind Kind, want int) (reply, error) {
	r, err := s.conn.readReply()
	if err != nil {
		return reply{}, s.ioError(op, err)
	}
	if r.code != want {
		return r, &Error{Kind: kind, Op: op, Code: r.code, Reply: r.text()}
	}
	return r, nil
}

// ioError classifies a read or write failure. Malformed replies mean the
// two sides disagree about the protocol; everything else is the transport.
func (s *session) ioError(op string, err error) error {
	if errors.Is(err, errMalformedReply) {
		return &Error{Kind: KindProtocol, Op: op, Err: err}
	}
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

func (s *session) hello() error {
	_, err := s.cmd("EHLO", KindProtocol, "EHLO "+s.client.uc.LocalName, 250)
	return err
}

func (s *session) startTLS(ctx context.Context) error {
	if _, err := s.cmd("STARTTLS", KindProtocol, "STARTTLS", 220); err != nil {
		return err
	}
	tc, err := s.client.upgrade(ctx, s.conn.nc)
	if err != nil {
		return &Error{Kind: KindConnection, Op: "STARTTLS", Err: err}
	}
	s.conn.replace(tc)
	s.setState(StateTLSUpgraded)
	return s.hello()
}

func (s *session) auth() error {
	a, err := saslClient(s.client.uc)
	if err != nil {
		return &Error{Kind: KindConfiguration, Op: "AUTH", Err: err}
	}
	if a == nil {
		return nil
	}
	if err := s.authenticate(a); err != nil {
		return err
	}
	s.setState(StateAuthenticated)
	return nil
}

// authenticate runs a SASL exchange. Every client response is a
// credential, so each one is masked in the transcript.
func (s *session) authenticate(a sasl.Client) error {
	mech, ir, err := a.Start()
	if err != nil {
		return &Error{Kind: KindProtocol, Op: "AUTH", Err: err}
	}
	if ir != nil {
		err = s.conn.writeSecret("AUTH "+mech+" ", encode(ir))
	} else {
		err = s.conn.writeLine("AUTH " + mech)
	}
	if err != nil {
		return s.ioError("AUTH", err)
	}

	for i := 0; ; i++ {
		r, err := s.conn.readReply()
		if err != nil {
			return s.ioError("AUTH", err)
		}
		switch r.code {
		case 235:
			return nil
		case 334:
		default:
			return &Error{Kind: KindProtocol, Op: "AUTH " + mech, Code: r.code, Reply: r.text()}
		}
		if i >= maxAuthSteps {
			return &Error{Kind: KindProtocol, Op: "AUTH " + mech, Err: errAuthLoop}
		}

		challenge, err := base64.StdEncoding.DecodeString(r.text())
		if err != nil {
			return &Error{Kind: KindProtocol, Op: "AUTH " + mech, Err: fmt.Errorf("can't decode the server challenge: %w", err)}
		}
		resp, err := a.Next(challenge)
		if err != nil {
			// Cancel the exchange so the server doesn't wait on us.
			s.conn.writeLine("*")
			return &Error{Kind: KindProtocol, Op: "AUTH " + mech, Err: err}
		}
		if err := s.conn.writeSecret("", encode(resp)); err != nil {
			return s.ioError("AUTH", err)
		}
	}
}

func encode(p []byte) string {
	if len(p) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(p)
}

// transact runs one message's transaction and records the outcome on m.
// It returns an error only when the session can't go on.
func (s *session) transact(ctx context.Context, i int, m *message.Message) error {
	m.SentAt = time.Time{}
	m.Err = nil

	l := s.log.With().Int("index", i).Str("id", m.ID.String()).Logger()

	// Overrides only apply to this transaction. m keeps its own envelope
	// for reporting.
	f := m.Fields
	if d := s.client.uc.Debug; d.Enabled() {
		f = d.Apply(f)
		l.Debug().Str("mailFrom", f.MailFrom).Strs("rcptTo", f.RcptTo).Msg("debug routing applied")
	}

	if f.MailFrom == "" {
		m.Err = &Error{Kind: KindTransaction, Op: "MAIL FROM", Err: ErrNoMailFrom}
		l.Warn().Err(m.Err).Msg("skipping message")
		return nil
	}
	if len(f.RcptTo) == 0 {
		m.Err = &Error{Kind: KindTransaction, Op: "RCPT TO", Err: ErrNoRcptTo}
		l.Warn().Err(m.Err).Msg("skipping message")
		return nil
	}

	raw := s.client.serializer.Serialize(f)
	s.setState(StateTransacting)

	err := s.mail(f, raw)
	var e *Error
	switch {
	case err == nil:
		m.SentAt = s.client.now().Truncate(time.Second)
		l.Info().
			Strs("rcptTo", f.RcptTo).
			Str("size", units.HumanSize(float64(len(raw)))).
			Msg("message sent")
		s.saveCopy(ctx, l, raw)
	case errors.As(err, &e) && e.Kind == KindTransaction:
		m.Err = err
		l.Warn().Err(err).Msg("message not sent")
	default:
		m.Err = err
		return err
	}

	// Clear whatever is left of the transaction before the next one.
	_, err = s.cmd("RSET", KindProtocol, "RSET", 250)
	return err
}

func (s *session) mail(f message.Fields, raw []byte) error {
	if _, err := s.cmd(
		"MAIL FROM",
		KindTransaction,
		"MAIL FROM:"+f.MailFrom+" SIZE="+strconv.Itoa(len(raw)),
		250,
	); err != nil {
		return err
	}
	for _, r := range f.RcptTo {
		if _, err := s.cmd("RCPT TO", KindTransaction, "RCPT TO:"+r, 250); err != nil {
			return err
		}
	}
	if _, err := s.cmd("DATA", KindTransaction, "DATA", 354); err != nil {
		return err
	}
	if err := s.conn.writeData(raw); err != nil {
		return s.ioError("DATA", err)
	}
	_, err := s.expect("DATA", KindTransaction, 250)
	return err
}

func (s *session) saveCopy(ctx context.Context, l zerolog.Logger, raw []byte) {
	a := s.client.sentCopy
	if a == nil {
		return
	}
	if err := a.Append(ctx, raw); err != nil {
		l.Warn().Err(err).Str("target", a.Name()).Msg("couldn't save a copy of the sent message")
		return
	}
	l.Debug().Str("target", a.Name()).Msg("saved a copy of the sent message")
}

// quit ends a session that ran to completion. The server's answer doesn't
// change any outcome.
func (s *session) quit() {
	if _, err := s.cmd("QUIT", KindProtocol, "QUIT", 221); err != nil {
		s.log.Debug().Err(err).Msg("QUIT wasn't acknowledged")
	}
	s.setState(StateClosed)
}

// abort ends a session after a fatal error, saying goodbye if the transport
// still works.
func (s *session) abort() {
	s.conn.writeLine("QUIT")
	s.setState(StateFailed)
}

// fail aborts the session during setup and returns err for the caller.
func (s *session) fail(err error) error {
	if KindOf(err) != KindConnection {
		s.abort()
	} else {
		s.setState(StateFailed)
	}
	s.close()
	return err
}

func (s *session) close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.stop != nil {
		s.stop()
	}
	if err := s.conn.close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug().Err(err).Msg("error closing the connection")
	}
}
