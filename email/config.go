package email

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ptgott/batchmail/address"
	"github.com/ptgott/batchmail/message"
)

const smtpScheme string = "smtp://"

// Authentication mechanisms.
const (
	MechLogin   = "login"
	MechPlain   = "plain"
	MechXOAuth2 = "xoauth2"
)

const (
	defaultPort           = 25
	defaultLocalName      = "localhost"
	defaultConnectTimeout = 30 * time.Second
	defaultReadTimeout    = 5 * time.Minute
)

var schemeRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

// UserConfig represents relay options provided by the user. Use
// CheckAndSetDefaults before sending with it.
type UserConfig struct {
	// Host may carry an smtp:// scheme and a port, e.g.,
	// smtp://mail.example.com:587.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// TLS upgrades the connection with STARTTLS after the first EHLO.
	TLS                  bool `yaml:"tls"`
	SkipCertVerification bool `yaml:"skipCertVerification"`

	Login       string `yaml:"login"`
	Password    string `yaml:"password"`
	BearerToken string `yaml:"bearerToken"`
	// AuthMechanism is one of login, plain or xoauth2. Inferred from the
	// credentials when empty.
	AuthMechanism string `yaml:"authMechanism"`

	// LocalName is the identity sent with EHLO.
	LocalName      string        `yaml:"localName"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	// ReadTimeout bounds every wait for a server reply.
	ReadTimeout time.Duration `yaml:"readTimeout"`

	// Verbose logs every line sent and received, with credentials
	// masked.
	Verbose bool `yaml:"verbose"`

	Debug DebugRouting `yaml:"-"`
}

// DebugRouting redirects every transaction to fixed envelope addresses
// without changing the queued messages.
type DebugRouting struct {
	MailFrom string `yaml:"mailFrom"`
	RcptTo   string `yaml:"rcptTo"`
}

// Enabled reports whether any override is set.
func (d DebugRouting) Enabled() bool {
	return d.MailFrom != "" || d.RcptTo != ""
}

// Apply returns f with its envelope replaced by the overrides that are set.
func (d DebugRouting) Apply(f message.Fields) message.Fields {
	if d.MailFrom != "" {
		f.MailFrom, _ = address.PrepareForCommand(d.MailFrom)
	}
	if d.RcptTo != "" {
		f.RcptTo = address.Envelope(d.RcptTo)
	}
	return f
}

// Address returns the host:port to dial.
func (uc UserConfig) Address() string {
	return net.JoinHostPort(uc.Host, strconv.Itoa(uc.Port))
}

// CheckAndSetDefaults validates uc and either returns a copy of uc with
// default settings applied or returns an error due to an invalid
// configuration
func (uc *UserConfig) CheckAndSetDefaults() (UserConfig, error) {
	c := *uc

	if c.Host == "" {
		return UserConfig{}, errors.New("must supply a relay host")
	}

	// Don't require the user to include a scheme. If we can't find one, use
	// one for SMTP.
	h := c.Host
	if !schemeRE.MatchString(h) {
		h = smtpScheme + h
	}
	if !strings.HasPrefix(h, smtpScheme) {
		return UserConfig{}, fmt.Errorf("the relay host %v must use the %v scheme", c.Host, smtpScheme)
	}
	u, err := url.Parse(h)
	if err != nil {
		return UserConfig{}, fmt.Errorf("can't parse the relay host: %w", err)
	}
	if u.Hostname() == "" {
		return UserConfig{}, fmt.Errorf("the relay host %v has no hostname", c.Host)
	}
	c.Host = u.Hostname()

	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return UserConfig{}, fmt.Errorf("can't parse the relay port: %w", err)
		}
		if c.Port != 0 && c.Port != n {
			return UserConfig{}, fmt.Errorf("the relay port is set to both %v and %v", n, c.Port)
		}
		c.Port = n
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Port < 0 || c.Port > 65535 {
		return UserConfig{}, fmt.Errorf("invalid relay port %v", c.Port)
	}

	if err := c.checkAuth(); err != nil {
		return UserConfig{}, err
	}

	if c.LocalName == "" {
		c.LocalName = defaultLocalName
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.ConnectTimeout < 0 || c.ReadTimeout < 0 {
		return UserConfig{}, errors.New("timeouts can't be negative")
	}

	if c.Debug.MailFrom != "" {
		if _, err := address.PrepareForCommand(c.Debug.MailFrom); err != nil {
			return UserConfig{}, fmt.Errorf("invalid debug sender %q: %w", c.Debug.MailFrom, err)
		}
	}
	if c.Debug.RcptTo != "" && len(address.Envelope(c.Debug.RcptTo)) == 0 {
		return UserConfig{}, fmt.Errorf("invalid debug recipient %q: %w", c.Debug.RcptTo, address.ErrInvalid)
	}

	return c, nil
}

func (uc *UserConfig) checkAuth() error {
	if uc.Password != "" && uc.BearerToken != "" {
		return errors.New("supply either a password or a bearer token, not both")
	}
	hasSecret := uc.Password != "" || uc.BearerToken != ""
	if uc.Login == "" {
		if hasSecret {
			return errors.New("must supply a login along with a password or bearer token")
		}
		if uc.AuthMechanism != "" {
			return fmt.Errorf("auth mechanism %v needs a login", uc.AuthMechanism)
		}
		return nil
	}
	if !hasSecret {
		return errors.New("must supply a password or bearer token along with a login")
	}

	uc.AuthMechanism = strings.ToLower(uc.AuthMechanism)
	if uc.AuthMechanism == "" {
		uc.AuthMechanism = MechLogin
		if uc.BearerToken != "" {
			uc.AuthMechanism = MechXOAuth2
		}
	}

	switch uc.AuthMechanism {
	case MechLogin, MechPlain:
		if uc.Password == "" {
			return fmt.Errorf("auth mechanism %v needs a password", uc.AuthMechanism)
		}
	case MechXOAuth2:
		if uc.BearerToken == "" {
			return fmt.Errorf("auth mechanism %v needs a bearer token", uc.AuthMechanism)
		}
	default:
		return fmt.Errorf("unsupported auth mechanism %v", uc.AuthMechanism)
	}
	return nil
}
