package userconfig

import (
	"errors"
	"fmt"
	"io"

	"github.com/ptgott/batchmail/email"
	"github.com/ptgott/batchmail/message"
	"github.com/ptgott/batchmail/sentcopy"
	"github.com/rs/zerolog/log"

	yaml "gopkg.in/yaml.v2"
)

const (
	defaultContentType = "text/plain"
	defaultCharset     = "utf-8"
)

// Meta represents all current config options that the application can use,
// i.e., after validation and parsing
type Meta struct {
	Relay email.UserConfig `yaml:"relay"`
	// Defaults apply to every queued message that leaves a field empty.
	Defaults message.Fields `yaml:"defaults"`
	// Debug sends every message to fixed envelope addresses instead of
	// the real ones.
	Debug    email.DebugRouting `yaml:"debug"`
	SentCopy sentcopy.Config    `yaml:"sentCopy"`
}

// CheckAndSetDefaults validates m and either returns a copy of m with default
// settings applied or returns an error due to an invalid configuration
func (m *Meta) CheckAndSetDefaults() (Meta, error) {
	c := *m

	c.Relay.Debug = m.Debug
	r, err := c.Relay.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, fmt.Errorf("invalid relay config: %w", err)
	}
	c.Relay = r
	if m.Debug.Enabled() {
		log.Warn().
			Str("mailFrom", m.Debug.MailFrom).
			Str("rcptTo", m.Debug.RcptTo).
			Msg("debug routing is on, messages won't reach their real recipients")
	}

	if c.Defaults.ContentType == "" {
		c.Defaults.ContentType = defaultContentType
	}
	if c.Defaults.Charset == "" {
		c.Defaults.Charset = defaultCharset
	}

	s, err := checkSentCopy(m.SentCopy)
	if err != nil {
		return Meta{}, err
	}
	c.SentCopy = s

	return c, nil
}

func checkSentCopy(s sentcopy.Config) (sentcopy.Config, error) {
	if s.IMAP != nil && s.Archive != nil {
		return sentcopy.Config{}, errors.New("\"sentCopy\" can use imap or archive, not both")
	}
	if s.IMAP != nil {
		i, err := s.IMAP.CheckAndSetDefaults()
		if err != nil {
			return sentcopy.Config{}, err
		}
		return sentcopy.Config{IMAP: &i}, nil
	}
	if s.Archive != nil {
		kv, err := s.Archive.CheckAndSetDefaults()
		if err != nil {
			return sentcopy.Config{}, fmt.Errorf("invalid sent copy archive: %w", err)
		}
		return sentcopy.Config{Archive: &sentcopy.ArchiveConfig{KVConfig: kv}}, nil
	}
	return sentcopy.Config{}, nil
}

// Parse generates usable configurations from possibly arbitrary user input.
// An error indicates a problem with parsing. Call CheckAndSetDefaults on the
// result to validate it.
func Parse(r io.Reader) (*Meta, error) {
	var m Meta
	err := yaml.NewDecoder(r).Decode(&m)
	if err != nil {
		return &Meta{}, fmt.Errorf("can't read the config file as YAML: %w", err)
	}

	if m.Relay.Host == "" {
		return &Meta{}, errors.New("must include a \"relay\" section with a host")
	}

	return &m, nil
}
