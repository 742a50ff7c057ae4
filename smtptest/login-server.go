package smtptest

import (
	"errors"

	"github.com/emersion/go-sasl"
)

const mechLogin = "LOGIN"

// loginServer is the server side of the obsolete LOGIN mechanism, which
// go-smtp doesn't offer on its own: prompt for the username, then for the
// password. A username sent as an initial response skips the first prompt.
type loginServer struct {
	authenticate func(username, password string) error
	step         int
	username     string
}

var _ sasl.Server = (*loginServer)(nil)

func newLoginServer(authenticate func(username, password string) error) *loginServer {
	return &loginServer{authenticate: authenticate}
}

// Next implements sasl.Server.
func (s *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch s.step {
	case 0:
		s.step++
		if response == nil {
			return []byte("Username:"), false, nil
		}
		s.username = string(response)
		s.step++
		return []byte("Password:"), false, nil
	case 1:
		s.username = string(response)
		s.step++
		return []byte("Password:"), false, nil
	case 2:
		s.step++
		return nil, true, s.authenticate(s.username, string(response))
	default:
		return nil, true, errors.New("unexpected LOGIN response")
	}
}
