package address

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExplode(t *testing.T) {
	testCases := []struct {
		description string
		input       string
		expected    []string
	}{
		{
			description: "comma inside a quoted personal name",
			input:       `"Doe, Jane" <jane@x.com>, bob@y.com`,
			expected:    []string{`"Doe, Jane" <jane@x.com>`, `<bob@y.com>`},
		},
		{
			description: "semicolon separated",
			input:       `a@x.com; b@y.com`,
			expected:    []string{`<a@x.com>`, `<b@y.com>`},
		},
		{
			description: "name without quotes",
			input:       `Bob <bob@y.com>`,
			expected:    []string{`"Bob" <bob@y.com>`},
		},
		{
			description: "not an address",
			input:       `not an address`,
			expected:    nil,
		},
		{
			description: "unparseable domain is dropped",
			input:       `a@-bad-.com, good@x.com`,
			expected:    []string{`<good@x.com>`},
		},
		{
			description: "bare token recovered from loose input",
			input:       `Jane jane@x.com`,
			expected:    []string{`<jane@x.com>`},
		},
		{
			description: "quoted local part",
			input:       `"john doe"@example.com`,
			expected:    []string{`<"john doe"@example.com>`},
		},
		{
			description: "domain literal is dropped",
			input:       `user@[192.168.0.1], good@x.com`,
			expected:    []string{`<good@x.com>`},
		},
		{
			description: "empty list",
			input:       ``,
			expected:    nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			assert.Equal(t, tc.expected, Explode(tc.input))
		})
	}
}

func TestPrepareForCommand(t *testing.T) {
	testCases := []struct {
		description   string
		input         string
		expected      string
		shouldBeError bool
	}{
		{
			description: "personal name is discarded",
			input:       `"Doe, Jane" <jane@x.com>`,
			expected:    `<jane@x.com>`,
		},
		{
			description: "brackets are synthesized",
			input:       `jane@x.com`,
			expected:    `<jane@x.com>`,
		},
		{
			description: "token inside free text",
			input:       `write to jane@x.com please`,
			expected:    `<jane@x.com>`,
		},
		{
			description: "bracketed lookalike inside the name",
			input:       `"fake <a@b.com>" <real@x.com>`,
			expected:    `<real@x.com>`,
		},
		{
			description: "quoted local part",
			input:       `<"john doe"@example.com>`,
			expected:    `<"john doe"@example.com>`,
		},
		{
			description: "quoted local part behind a name",
			input:       `Jane <"jane q"@example.org>`,
			expected:    `<"jane q"@example.org>`,
		},
		{
			description:   "no @ at all",
			input:         `not an address`,
			shouldBeError: true,
		},
		{
			description:   "empty",
			input:         ``,
			shouldBeError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			a, err := PrepareForCommand(tc.input)
			if (err != nil) != tc.shouldBeError {
				t.Fatalf(
					"unexpected error status--wanted %v but got %v with error %v",
					tc.shouldBeError,
					err != nil,
					err,
				)
			}
			if tc.shouldBeError {
				assert.True(t, errors.Is(err, ErrInvalid))
				return
			}
			assert.Equal(t, tc.expected, a)
		})
	}
}

func TestExplodeThenPrepareIsWellFormed(t *testing.T) {
	lists := []string{
		`"Doe, Jane" <jane@x.com>, bob@y.com`,
		`"a <b@c.com>" <d@e.com>, "x, y, z" <q@r.org>`,
		`Jane jane@x.com; <k@l.net>, garbage, , @@, a@@b.com`,
		`"Ünïcode Name" <u@xn--bcher-kva.example>`,
		`"john doe"@example.com, Jane <"jane q"@example.org>`,
	}
	for _, l := range lists {
		for _, e := range Explode(l) {
			c, err := PrepareForCommand(e)
			if err != nil {
				t.Fatalf("%q exploded to %q, which can't be prepared: %v", l, e, err)
			}
			assert.True(t, strings.HasPrefix(c, "<"), c)
			assert.True(t, strings.HasSuffix(c, ">"), c)
			assert.Equal(t, 1, strings.Count(c, "<"), c)
			assert.Equal(t, 1, strings.Count(c, ">"), c)
			assert.Equal(t, 1, strings.Count(c, "@"), c)
		}
	}
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"a@x.com"}, Dedupe([]string{"a@x.com", "A@X.com"}))
	assert.Equal(
		t,
		[]string{"<b@y.com>", "<a@x.com>"},
		Dedupe([]string{"<b@y.com>", "<a@x.com>", "<B@Y.COM>"}),
	)
	assert.Empty(t, Dedupe(nil))
}

func TestEnvelope(t *testing.T) {
	got := Envelope(
		`"Doe, Jane" <jane@x.com>, bob@y.com`,
		`JANE@x.com`,
		``,
		`not an address`,
		`carol@z.org`,
	)
	assert.Equal(t, []string{"<jane@x.com>", "<bob@y.com>", "<carol@z.org>"}, got)
	assert.Equal(t, "<jane@x.com>, <bob@y.com>, <carol@z.org>", Join(got))
}

func TestEnvelopeKeepsQuotedLocalParts(t *testing.T) {
	got := Envelope(`"john doe"@example.com, bob@y.com`)
	assert.Equal(t, []string{`<"john doe"@example.com>`, "<bob@y.com>"}, got)
}
