package email

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/rs/zerolog"
)

var errMalformedReply = errors.New("malformed reply")

// reply is a complete server reply. code comes from the final line.
type reply struct {
	code  int
	lines []string
}

// text returns the text of the final reply line.
func (r reply) text() string {
	if len(r.lines) == 0 {
		return ""
	}
	return r.lines[len(r.lines)-1]
}

// conn reads and writes protocol lines over a net.Conn that may be swapped
// for a TLS connection partway through a session.
type conn struct {
	nc          net.Conn
	r           *bufio.Reader
	w           *bufio.Writer
	readTimeout time.Duration
	// transcript receives every line in each direction. Nil unless verbose
	// output is on.
	transcript *zerolog.Logger
}

func newConn(nc net.Conn, readTimeout time.Duration, transcript *zerolog.Logger) *conn {
	c := &conn{
		readTimeout: readTimeout,
		transcript:  transcript,
	}
	c.replace(nc)
	return c
}

// replace switches to nc, e.g., after a STARTTLS handshake. Anything left
// in the old buffers is dropped.
func (c *conn) replace(nc net.Conn) {
	c.nc = nc
	c.r = bufio.NewReader(nc)
	c.w = bufio.NewWriter(nc)
}

func (c *conn) close() error {
	return c.nc.Close()
}

func (c *conn) log(dir, line string) {
	if c.transcript == nil {
		return
	}
	c.transcript.Info().Str("dir", dir).Str("line", line).Msg("smtp")
}

func (c *conn) deadline() {
	if c.readTimeout > 0 {
		c.nc.SetDeadline(time.Now().Add(c.readTimeout))
	}
}

// writeLine sends line followed by CRLF.
func (c *conn) writeLine(line string) error {
	c.log("C", line)
	return c.send(line)
}

// writeSecret sends prefix+secret but only logs a masked secret.
func (c *conn) writeSecret(prefix, secret string) error {
	c.log("C", prefix+mask(secret))
	return c.send(prefix + secret)
}

func (c *conn) send(line string) error {
	c.deadline()
	if _, err := c.w.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// writeData sends a message body with leading dots doubled, followed by the
// end-of-data line.
func (c *conn) writeData(p []byte) error {
	c.deadline()
	if bytes.HasPrefix(p, []byte(".")) {
		c.w.WriteByte('.')
	}
	c.w.Write(bytes.ReplaceAll(p, []byte("\r\n."), []byte("\r\n..")))
	if len(p) > 0 && !bytes.HasSuffix(p, []byte("\r\n")) {
		c.w.WriteString("\r\n")
	}
	if _, err := c.w.WriteString(".\r\n"); err != nil {
		return err
	}
	c.log("C", "("+units.HumanSize(float64(len(p)))+" of message data)")
	c.log("C", ".")
	return c.w.Flush()
}

// readReply reads lines until one has a space (or nothing) after the
// three-digit code. Any other character in that position marks a
// continuation line.
func (c *conn) readReply() (reply, error) {
	var r reply
	for {
		c.deadline()
		line, err := c.r.ReadString('\n')
		if err != nil {
			return reply{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		c.log("S", line)

		if len(line) < 3 {
			return reply{}, fmt.Errorf("%w: %q", errMalformedReply, line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil || code < 100 || code > 599 {
			return reply{}, fmt.Errorf("%w: %q", errMalformedReply, line)
		}
		r.code = code
		if len(line) == 3 {
			r.lines = append(r.lines, "")
			return r, nil
		}
		r.lines = append(r.lines, line[4:])
		if line[3] == ' ' {
			return r, nil
		}
	}
}
