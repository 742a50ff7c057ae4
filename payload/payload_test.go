package payload

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"regexp"
	"strings"
	"testing"

	"github.com/emersion/go-message/mail"
	"github.com/ptgott/batchmail/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseFields() message.Fields {
	return message.Fields{
		MailFrom:    "<news@example.com>",
		RcptTo:      []string{"<jane@x.com>", "<bob@y.com>"},
		From:        `"News" <news@example.com>`,
		Subject:     "Weekly digest",
		ContentType: "text/plain",
		Charset:     "utf-8",
		Head:        "Hi ##name##,",
		Text:        "Here is this week's digest.",
		Bottom:      "Bye ##missing##",
		Values:      map[string]string{"name": "Jane"},
	}
}

func headerNames(p []byte) []string {
	hdr := p
	if i := bytes.Index(p, []byte("\r\n\r\n")); i >= 0 {
		hdr = p[:i]
	}
	var r []string
	for _, l := range strings.Split(string(hdr), "\r\n") {
		if k, _, ok := strings.Cut(l, ":"); ok {
			r = append(r, k)
		}
	}
	return r
}

func TestSerializeIsIdempotent(t *testing.T) {
	f := baseFields()
	f.Attachments = []message.Attachment{
		{Filename: "a.bin", ContentType: "application/octet-stream", Content: bytes.Repeat([]byte{0, 1, 2, 250}, 100)},
	}
	s := Serializer{}
	assert.Equal(t, s.Serialize(f), s.Serialize(f))
}

func TestSerializeSinglePart(t *testing.T) {
	p := Serializer{}.Serialize(baseFields())
	s := string(p)

	assert.Equal(
		t,
		[]string{
			"Subject", "From", "To", "X-Sender", "Return-Path", "Errors-To",
			"X-Mailer", "X-Priority", "MIME-Version", "Content-Type",
		},
		headerNames(p),
	)
	assert.Contains(t, s, "To: <jane@x.com>, <bob@y.com>\r\n")
	assert.Contains(t, s, "Return-Path: <news@example.com>\r\n")
	assert.Contains(t, s, "Content-Type: text/plain; charset=utf-8\r\n\r\n")
	assert.NotContains(t, s, "multipart")
	assert.True(
		t,
		strings.HasSuffix(s, "\r\n\r\nHi Jane,\r\n\r\nHere is this week's digest.\r\n\r\nBye "),
		s,
	)
	assert.NotContains(t, s, "##")
}

func TestSerializeHeaderFallbacks(t *testing.T) {
	f := baseFields()
	f.From = ""
	f.To = "Jane <jane@x.com>"
	f.Cc = "carol@z.org"
	f.ReplyTo = "replies@example.com"
	f.ErrorsTo = "errors@example.com"

	p := Serializer{Mailer: "test-mailer"}.Serialize(f)
	s := string(p)

	assert.Equal(
		t,
		[]string{
			"Subject", "From", "To", "Cc", "X-Sender", "Return-Path", "Errors-To",
			"Reply-To", "X-Mailer", "X-Priority", "MIME-Version", "Content-Type",
		},
		headerNames(p),
	)
	assert.Contains(t, s, "From: <news@example.com>\r\n")
	assert.Contains(t, s, "To: Jane <jane@x.com>\r\n")
	assert.Contains(t, s, "Return-Path: replies@example.com\r\n")
	assert.Contains(t, s, "Errors-To: errors@example.com\r\n")
	assert.Contains(t, s, "X-Mailer: test-mailer\r\n")
}

func TestSerializeStripsHeaderLineBreaks(t *testing.T) {
	f := baseFields()
	f.Subject = "hello\r\nBcc: victim@x.com"
	s := string(Serializer{}.Serialize(f))
	assert.Contains(t, s, "Subject: hello Bcc: victim@x.com\r\n")
	assert.NotContains(t, headerNames([]byte(s)), "Bcc")
}

func TestSerializeSubjectEncoding(t *testing.T) {
	testCases := []struct {
		description string
		subject     string
		charset     string
		force       bool
		encoded     bool
	}{
		{
			description: "non-ASCII with the flag on",
			subject:     "Héllo",
			charset:     "utf-8",
			force:       true,
			encoded:     true,
		},
		{
			description: "non-ASCII with the flag off",
			subject:     "Héllo",
			charset:     "utf-8",
			encoded:     true,
		},
		{
			description: "ASCII with the flag on",
			subject:     "Hello",
			charset:     "utf-8",
			force:       true,
			encoded:     true,
		},
		{
			description: "ASCII with the flag off",
			subject:     "Hello",
			charset:     "utf-8",
		},
		{
			description: "no charset",
			subject:     "Héllo",
			force:       true,
		},
	}

	re := regexp.MustCompile(`(?m)^Subject: =\?([^?]+)\?B\?([A-Za-z0-9+/=]+)\?=\r$`)

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			f := baseFields()
			f.Subject = tc.subject
			f.Charset = tc.charset
			f.EncodeSubject = tc.force
			s := string(Serializer{}.Serialize(f))

			m := re.FindStringSubmatch(s)
			if !tc.encoded {
				assert.Nil(t, m)
				assert.Contains(t, s, "Subject: "+tc.subject+"\r\n")
				return
			}
			require.NotNil(t, m, s)
			assert.Equal(t, tc.charset, m[1])
			d, err := base64.StdEncoding.DecodeString(m[2])
			require.NoError(t, err)
			assert.Equal(t, []byte(tc.subject), d)
		})
	}
}

func TestSerializeHelloSubjectDecodes(t *testing.T) {
	f := baseFields()
	f.Subject = "Héllo"
	f.EncodeSubject = true
	p := Serializer{}.Serialize(f)
	assert.Contains(t, string(p), "Subject: =?utf-8?B?SMOpbGxv?=\r\n")

	mr, err := mail.CreateReader(bytes.NewReader(p))
	require.NoError(t, err)
	sub, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Héllo", sub)
}

func TestSerializeMultipart(t *testing.T) {
	f := baseFields()
	f.Attachments = []message.Attachment{
		{Filename: "report.csv", ContentType: "text/csv", Content: []byte("a,b\n1,2\n")},
		{Filename: "empty.txt", ContentType: "text/plain"},
		{Filename: "photo.bin", Content: bytes.Repeat([]byte{0xff, 0x00, 0x7f}, 200)},
		{Filename: "fwd.eml", ContentType: "message/rfc822", Content: []byte("Subject: inner\r\n\r\ninner body\r\n")},
	}

	p := Serializer{Boundary: "test-boundary"}.Serialize(f)
	s := string(p)

	assert.Contains(t, s, "Content-Type: multipart/mixed; boundary=\"test-boundary\"\r\n")
	assert.True(t, strings.HasSuffix(s, "--test-boundary--\r\n"))
	assert.Equal(t, 4, strings.Count(s, "--test-boundary\r\n"))
	assert.NotContains(t, s, "empty.txt")

	// Base64 lines never go past 76 columns and every line ends in CRLF.
	for _, l := range strings.Split(s, "\r\n") {
		assert.NotContains(t, l, "\n")
		assert.NotContains(t, l, "\r")
	}
	_, after, ok := strings.Cut(s, "filename=photo.bin\r\n\r\n")
	require.True(t, ok, s)
	for _, l := range strings.Split(after, "\r\n") {
		if strings.HasPrefix(l, "--") {
			break
		}
		assert.LessOrEqual(t, len(l), 76)
	}

	mr, err := mail.CreateReader(bytes.NewReader(p))
	require.NoError(t, err)

	type part struct {
		inline      bool
		filename    string
		contentType string
		body        string
	}
	var got []part
	for {
		pt, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		b, err := io.ReadAll(pt.Body)
		require.NoError(t, err)

		switch h := pt.Header.(type) {
		case *mail.InlineHeader:
			ct, _, err := h.ContentType()
			require.NoError(t, err)
			got = append(got, part{inline: true, contentType: ct, body: string(b)})
		case *mail.AttachmentHeader:
			fn, err := h.Filename()
			require.NoError(t, err)
			ct, _, err := h.ContentType()
			require.NoError(t, err)
			got = append(got, part{filename: fn, contentType: ct, body: string(b)})
		}
	}

	require.Len(t, got, 4)
	assert.True(t, got[0].inline)
	assert.Equal(t, "text/plain", got[0].contentType)
	assert.Contains(t, got[0].body, "Hi Jane,")

	assert.Equal(t, "report.csv", got[1].filename)
	assert.Equal(t, "text/csv", got[1].contentType)
	assert.Equal(t, "a,b\n1,2\n", got[1].body)

	assert.Equal(t, "photo.bin", got[2].filename)
	assert.Equal(t, "application/octet-stream", got[2].contentType)
	assert.Equal(t, string(bytes.Repeat([]byte{0xff, 0x00, 0x7f}, 200)), got[2].body)

	assert.Equal(t, "fwd.eml", got[3].filename)
	assert.Equal(t, "message/rfc822", got[3].contentType)
	assert.Contains(t, got[3].body, "inner body")
	assert.Contains(t, s, "Content-Type: message/rfc822; name=fwd.eml\r\nContent-Transfer-Encoding: binary\r\n")
}

func TestSerializeOnlyEmptyAttachmentsIsSinglePart(t *testing.T) {
	f := baseFields()
	f.Attachments = []message.Attachment{{Filename: "empty.txt", ContentType: "text/plain"}}
	s := string(Serializer{}.Serialize(f))
	assert.NotContains(t, s, "multipart")
	assert.NotContains(t, s, DefaultBoundary)
}

func TestSerializeNormalizesLineEndings(t *testing.T) {
	f := baseFields()
	f.Head = ""
	f.Bottom = ""
	f.Text = "one\r\ntwo\nthree\r\n"
	s := string(Serializer{}.Serialize(f))
	assert.True(t, strings.HasSuffix(s, "\r\n\r\none\r\ntwo\r\nthree\r\n"), s)
	assert.NotContains(t, s, "\r\r")
	assert.Equal(t, strings.Count(s, "\n"), strings.Count(s, "\r\n"))
}

func TestSerializeDoesNotMutateFields(t *testing.T) {
	f := baseFields()
	before := baseFields()
	Serializer{}.Serialize(f)
	assert.Equal(t, before, f)
}

func TestSubstitute(t *testing.T) {
	testCases := []struct {
		description string
		text        string
		values      map[string]string
		expected    string
	}{
		{
			description: "known and unknown placeholders",
			text:        "Dear ##name##, see ##link## ##nope##.",
			values:      map[string]string{"name": "Jane", "link": "x.com"},
			expected:    "Dear Jane, see x.com .",
		},
		{
			description: "no placeholders",
			text:        "plain",
			values:      nil,
			expected:    "plain",
		},
		{
			description: "lone markers are kept",
			text:        "## not a placeholder",
			values:      nil,
			expected:    "## not a placeholder",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			assert.Equal(t, tc.expected, Substitute(tc.text, tc.values))
		})
	}
}

func TestValuesIncludeFields(t *testing.T) {
	f := baseFields()
	f.Text = "to ##rcptTo## from ##mailFrom## about ##subject##"
	f.Head, f.Bottom = "", ""
	s := string(Serializer{}.Serialize(f))
	assert.True(
		t,
		strings.HasSuffix(s, "to <jane@x.com>, <bob@y.com> from <news@example.com> about Weekly digest"),
		s,
	)
}
