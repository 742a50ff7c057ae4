package sentcopy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog/log"
)

const (
	defaultMailbox  = "Sent"
	defaultIMAPPort = 993
)

// IMAPConfig describes the mailbox that receives sent copies.
type IMAPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// StartTLS connects in plain text and upgrades. Otherwise the
	// connection uses TLS from the start.
	StartTLS             bool   `yaml:"startTLS"`
	SkipCertVerification bool   `yaml:"skipCertVerification"`
	Login                string `yaml:"login"`
	Password             string `yaml:"password"`
	Mailbox              string `yaml:"mailbox"`
}

// CheckAndSetDefaults validates c and either returns a copy of c with
// default settings applied or returns an error due to an invalid
// configuration
func (c *IMAPConfig) CheckAndSetDefaults() (IMAPConfig, error) {
	n := *c
	if n.Host == "" {
		return IMAPConfig{}, errors.New("must supply an IMAP host for sent copies")
	}
	if n.Login == "" || n.Password == "" {
		return IMAPConfig{}, errors.New("must supply an IMAP login and password for sent copies")
	}
	if n.Port == 0 {
		n.Port = defaultIMAPPort
	}
	if n.Mailbox == "" {
		n.Mailbox = defaultMailbox
	}
	return n, nil
}

// IMAP appends sent copies to a mailbox. It logs in on the first Append
// and stays logged in until Close.
type IMAP struct {
	conf IMAPConfig
	now  func() time.Time

	mu     sync.Mutex
	client *imapclient.Client
}

// NewIMAP returns an IMAP appender. No connection is made until the first
// Append.
func NewIMAP(conf IMAPConfig) (*IMAP, error) {
	c, err := conf.CheckAndSetDefaults()
	if err != nil {
		return nil, err
	}
	return &IMAP{conf: c, now: time.Now}, nil
}

// Name implements Appender.
func (i *IMAP) Name() string {
	return "imap://" + i.addr() + "/" + i.conf.Mailbox
}

func (i *IMAP) addr() string {
	return net.JoinHostPort(i.conf.Host, strconv.Itoa(i.conf.Port))
}

func (i *IMAP) connect() (*imapclient.Client, error) {
	if i.client != nil {
		return i.client, nil
	}
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         i.conf.Host,
			InsecureSkipVerify: i.conf.SkipCertVerification,
		},
	}

	var (
		c   *imapclient.Client
		err error
	)
	if i.conf.StartTLS {
		c, err = imapclient.DialStartTLS(i.addr(), opts)
	} else {
		c, err = imapclient.DialTLS(i.addr(), opts)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %v: %w", i.addr(), err)
	}

	if err := c.Login(i.conf.Login, i.conf.Password).Wait(); err != nil {
		c.Close()
		return nil, fmt.Errorf("IMAP login for %v failed: %w", i.conf.Login, err)
	}
	i.client = c
	return c, nil
}

// Append implements Appender. The copy is flagged as seen.
func (i *IMAP) Append(ctx context.Context, raw []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := i.connect()
	if err != nil {
		return err
	}

	cmd := c.Append(i.conf.Mailbox, int64(len(raw)), &imap.AppendOptions{
		Flags: []imap.Flag{imap.FlagSeen},
		Time:  i.now(),
	})
	if _, err := cmd.Write(raw); err != nil {
		cmd.Close()
		i.drop()
		return fmt.Errorf("can't write the message to %v: %w", i.conf.Mailbox, err)
	}
	if err := cmd.Close(); err != nil {
		i.drop()
		return fmt.Errorf("can't finish appending to %v: %w", i.conf.Mailbox, err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("the server rejected the copy for %v: %w", i.conf.Mailbox, err)
	}
	return nil
}

// drop forgets a connection that's no longer usable so the next Append
// reconnects.
func (i *IMAP) drop() {
	if i.client == nil {
		return
	}
	i.client.Close()
	i.client = nil
}

// Close logs out if a connection was made.
func (i *IMAP) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.client == nil {
		return nil
	}
	if err := i.client.Logout().Wait(); err != nil {
		log.Debug().Err(err).Str("target", i.Name()).Msg("IMAP logout failed")
	}
	err := i.client.Close()
	i.client = nil
	return err
}
