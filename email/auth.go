package email

import (
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"
)

// Mechanism names as they appear on the AUTH command line.
const (
	saslLogin   = "LOGIN"
	saslXOAuth2 = "XOAUTH2"
)

// maxAuthSteps caps the challenge/response exchange in case a server keeps
// sending 334s.
const maxAuthSteps = 5

// loginClient answers the two LOGIN prompts with the username and then the
// password. Unlike sasl.NewLoginClient, it sends no initial response, so the
// exchange is AUTH LOGIN, 334, username, 334, password, 235.
type loginClient struct {
	username, password string
	step               int
}

func (a *loginClient) Start() (string, []byte, error) {
	a.step = 0
	return saslLogin, nil, nil
}

func (a *loginClient) Next(challenge []byte) ([]byte, error) {
	a.step++
	switch a.step {
	case 1:
		return []byte(a.username), nil
	case 2:
		return []byte(a.password), nil
	default:
		return nil, sasl.ErrUnexpectedServerChallenge
	}
}

// xoauth2Client sends the bearer token after the first 334. A second 334
// carries an error description, which gets an empty response so the server
// can finish with a failure reply.
type xoauth2Client struct {
	username, token string
	sent            bool
}

func (a *xoauth2Client) Start() (string, []byte, error) {
	a.sent = false
	return saslXOAuth2, nil, nil
}

func (a *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	if a.sent {
		return []byte{}, nil
	}
	a.sent = true
	return []byte("user=" + a.username + "\x01auth=Bearer " + a.token + "\x01\x01"), nil
}

// saslClient returns the client for the configured mechanism, or nil when
// no credentials are configured.
func saslClient(uc UserConfig) (sasl.Client, error) {
	if uc.Login == "" {
		return nil, nil
	}
	switch uc.AuthMechanism {
	case MechLogin:
		return &loginClient{username: uc.Login, password: uc.Password}, nil
	case MechPlain:
		return sasl.NewPlainClient("", uc.Login, uc.Password), nil
	case MechXOAuth2:
		return &xoauth2Client{username: uc.Login, token: uc.BearerToken}, nil
	}
	return nil, fmt.Errorf("unsupported auth mechanism %v", uc.AuthMechanism)
}

var errAuthLoop = errors.New("too many authentication challenges")

// mask hides all but the first few characters of a credential so it can
// appear in a transcript.
func mask(s string) string {
	const shown = 3
	if len(s) <= shown {
		return "***"
	}
	return s[:shown] + "***"
}
