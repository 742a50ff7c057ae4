package address

import (
	"errors"
	netmail "net/mail"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"
)

// ErrInvalid means no local@domain token could be found in the input.
var ErrInvalid = errors.New("no mailbox address found")

var (
	// A bracketed mailbox, e.g., the <jane@x.com> in "Jane" <jane@x.com>.
	// The last match wins, since a personal name may itself contain
	// something that looks like a bracketed address.
	// The local part may be a quoted string, e.g. <"john doe"@x.com>.
	bracketed = regexp.MustCompile(`<((?:"[^"]*"|[^\s<>@"]+)@[^\s<>@]+)>`)
	// A bare local@domain token.
	bare = regexp.MustCompile(`[^\s<>@",;]+@[^\s<>@",;]+`)
)

// Explode splits an address list into one normalized entry per address.
// Commas inside a quoted personal name or inside angle brackets do not
// split the list. Entries whose domain can't be parsed are dropped rather
// than reported.
//
// Every returned entry carries its mailbox in angle brackets, e.g.,
// `"Doe, Jane" <jane@x.com>` or `<bob@y.com>`.
func Explode(list string) []string {
	var r []string
	for _, s := range split(list) {
		a, ok := parse(s)
		if !ok {
			continue
		}
		r = append(r, (*netmail.Address)(a).String())
	}
	return r
}

// PrepareForCommand reduces a single address to the <mailbox@domain> form
// used as a MAIL FROM or RCPT TO argument, discarding any personal name.
// Brackets are added when the input has none. Returns ErrInvalid when no
// @-containing token can be found.
func PrepareForCommand(addr string) (string, error) {
	if m := bracketed.FindAllStringSubmatch(addr, -1); len(m) > 0 {
		return "<" + m[len(m)-1][1] + ">", nil
	}
	if t := bare.FindString(addr); t != "" {
		return "<" + t + ">", nil
	}
	return "", ErrInvalid
}

// Dedupe removes case-insensitive duplicates, keeping the first occurrence
// of each mailbox and the original order.
func Dedupe(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	r := make([]string, 0, len(list))
	for _, a := range list {
		k := strings.ToLower(a)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		r = append(r, a)
	}
	return r
}

// Envelope explodes every list, reduces each entry to command form and
// dedupes the result. This is how recipients are derived from the To, Cc
// and Bcc headers.
func Envelope(lists ...string) []string {
	var r []string
	for _, l := range lists {
		for _, e := range Explode(l) {
			c, err := PrepareForCommand(e)
			if err != nil {
				continue
			}
			r = append(r, c)
		}
	}
	return Dedupe(r)
}

// Join renders a list of addresses as a single header value.
func Join(list []string) string {
	return strings.Join(list, ", ")
}

// split breaks an address list on commas that sit outside quoted strings,
// angle brackets and comments.
func split(list string) []string {
	var (
		r       []string
		cur     strings.Builder
		quoted  bool
		escaped bool
		angle   int
		comment int
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			r = append(r, s)
		}
		cur.Reset()
	}
	for _, c := range list {
		switch {
		case escaped:
			escaped = false
		case c == '\\' && quoted:
			escaped = true
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '<':
			angle++
		case c == '>' && angle > 0:
			angle--
		case c == '(':
			comment++
		case c == ')' && comment > 0:
			comment--
		case (c == ',' || c == ';') && angle == 0 && comment == 0:
			flush()
			continue
		}
		cur.WriteRune(c)
	}
	flush()
	return r
}

// parse reads one address. Input that RFC 5322 parsing rejects gets a
// second chance as a bare local@domain token, since users often type
// things like "Jane jane@x.com".
func parse(s string) (*mail.Address, bool) {
	a, err := mail.ParseAddress(s)
	if err != nil {
		t := bare.FindString(s)
		if t == "" {
			return nil, false
		}
		a, err = mail.ParseAddress(t)
		if err != nil {
			return nil, false
		}
	}
	if strings.Count(a.Address, "@") != 1 {
		return nil, false
	}
	if !validDomain(a.Address[strings.LastIndexByte(a.Address, '@')+1:]) {
		return nil, false
	}
	return a, true
}

func validDomain(domain string) bool {
	if domain == "" || len(domain) > 255 {
		return false
	}
	for _, label := range strings.Split(domain, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if !domainChar(r) {
				return false
			}
		}
	}
	return true
}

func domainChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-':
		return true
	}
	// internationalized domains
	return r > 127
}
