package payload

import (
	"bytes"
	"encoding/base64"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/ptgott/batchmail/address"
	"github.com/ptgott/batchmail/message"
)

const (
	// DefaultBoundary separates the parts of every multipart message a zero
	// Serializer produces.
	DefaultBoundary = "==Multipart_Boundary_batchmail"
	// DefaultMailer is the X-Mailer header value.
	DefaultMailer = "batchmail"

	lineLength      = 76
	rfc822          = "message/rfc822"
	octetStream     = "application/octet-stream"
	defaultTextType = "text/plain"
)

// Serializer renders messages. The zero value uses DefaultBoundary and
// DefaultMailer.
type Serializer struct {
	Boundary string
	Mailer   string
}

// Serialize renders f with CRLF line endings and no DATA terminator. It
// never modifies f.
func (s Serializer) Serialize(f message.Fields) []byte {
	boundary := s.Boundary
	if boundary == "" {
		boundary = DefaultBoundary
	}
	mailer := s.Mailer
	if mailer == "" {
		mailer = DefaultMailer
	}

	vals := Values(f)
	subject := Substitute(f.Subject, vals)
	body := joinBody(
		Substitute(f.Head, vals),
		Substitute(f.Text, vals),
		Substitute(f.Bottom, vals),
	)

	var b bytes.Buffer
	writeHeaders(&b, f, subject, mailer)

	textType := contentType(f.ContentType, f.Charset)

	var attachments []message.Attachment
	for _, a := range f.Attachments {
		if len(a.Content) == 0 {
			continue
		}
		attachments = append(attachments, a)
	}

	if len(attachments) == 0 {
		header(&b, "Content-Type", textType)
		b.WriteString("\r\n")
		b.WriteString(body)
		return normalize(b.Bytes())
	}

	header(&b, "Content-Type", `multipart/mixed; boundary="`+boundary+`"`)
	b.WriteString("\r\n")

	b.WriteString("--" + boundary + "\r\n")
	header(&b, "Content-Type", textType)
	header(&b, "Content-Transfer-Encoding", "8bit")
	header(&b, "Content-Disposition", "inline")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")

	for _, a := range attachments {
		b.WriteString("--" + boundary + "\r\n")
		writeAttachment(&b, a)
		b.WriteString("\r\n")
	}
	b.WriteString("--" + boundary + "--\r\n")

	return normalize(b.Bytes())
}

func writeHeaders(b *bytes.Buffer, f message.Fields, subject, mailer string) {
	header(b, "Subject", encodeSubject(subject, f.Charset, f.EncodeSubject))

	from := f.From
	if from == "" {
		from = f.MailFrom
	}
	header(b, "From", from)

	to := f.To
	if to == "" {
		to = address.Join(f.RcptTo)
	}
	header(b, "To", to)

	if f.Cc != "" {
		header(b, "Cc", f.Cc)
	}
	if f.Bcc != "" {
		header(b, "Bcc", f.Bcc)
	}

	header(b, "X-Sender", f.MailFrom)

	bounce := f.MailFrom
	if f.ReplyTo != "" {
		bounce = f.ReplyTo
	}
	returnPath, errorsTo := bounce, bounce
	if f.ReturnPath != "" {
		returnPath = f.ReturnPath
	}
	if f.ErrorsTo != "" {
		errorsTo = f.ErrorsTo
	}
	header(b, "Return-Path", returnPath)
	header(b, "Errors-To", errorsTo)

	if f.ReplyTo != "" {
		header(b, "Reply-To", f.ReplyTo)
	}

	header(b, "X-Mailer", mailer)
	header(b, "X-Priority", "3")
	header(b, "MIME-Version", "1.0")
}

func writeAttachment(b *bytes.Buffer, a message.Attachment) {
	ct := a.ContentType
	if ct == "" {
		ct = octetStream
	}
	mt, params, err := mime.ParseMediaType(ct)
	if err != nil {
		mt, params = octetStream, map[string]string{}
	}
	if a.Filename != "" {
		params["name"] = a.Filename
	}
	header(b, "Content-Type", mime.FormatMediaType(mt, params))

	if mt == rfc822 {
		header(b, "Content-Transfer-Encoding", "binary")
	} else {
		header(b, "Content-Transfer-Encoding", "base64")
	}

	disp := "attachment"
	if a.Filename != "" {
		if d := mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename}); d != "" {
			disp = d
		}
	}
	header(b, "Content-Disposition", disp)
	b.WriteString("\r\n")

	if mt == rfc822 {
		b.Write(a.Content)
		if !bytes.HasSuffix(a.Content, []byte("\n")) {
			b.WriteString("\r\n")
		}
		return
	}
	writeBase64(b, a.Content)
}

// writeBase64 writes content as base64 broken into lines of at most
// lineLength characters, each ending in CRLF.
func writeBase64(b *bytes.Buffer, content []byte) {
	enc := base64.StdEncoding.EncodeToString(content)
	for len(enc) > lineLength {
		b.WriteString(enc[:lineLength])
		b.WriteString("\r\n")
		enc = enc[lineLength:]
	}
	b.WriteString(enc)
	b.WriteString("\r\n")
}

// encodeSubject returns subject as a single base64 encoded-word when a
// charset is set and either force is on or the subject isn't plain ASCII.
func encodeSubject(subject, charset string, force bool) string {
	if charset == "" || subject == "" {
		return subject
	}
	if !force && (isASCII(subject) || !utf8.ValidString(subject)) {
		return subject
	}
	return "=?" + charset + "?B?" + base64.StdEncoding.EncodeToString([]byte(subject)) + "?="
}

func contentType(ct, charset string) string {
	if ct == "" {
		ct = defaultTextType
	}
	if charset == "" {
		return ct
	}
	return ct + "; charset=" + charset
}

func header(b *bytes.Buffer, k, v string) {
	b.WriteString(k)
	b.WriteString(": ")
	b.WriteString(headerValue(v))
	b.WriteString("\r\n")
}

var headerBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// headerValue keeps a value on one line so it can't inject headers.
func headerValue(v string) string {
	return headerBreaks.Replace(v)
}

func joinBody(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\r\n\r\n")
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// normalize turns every line ending into CRLF. CRLF pairs are collapsed
// first so mixed input doesn't end up with doubled CRs.
func normalize(p []byte) []byte {
	p = bytes.ReplaceAll(p, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))
}
