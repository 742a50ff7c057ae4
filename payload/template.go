package payload

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ptgott/batchmail/address"
	"github.com/ptgott/batchmail/message"
)

var placeholder = regexp.MustCompile(`##[A-Za-z0-9_.-]+##`)

// Substitute replaces every ##key## in text with values[key] and removes
// any placeholder left without a value.
func Substitute(text string, values map[string]string) string {
	if !strings.Contains(text, "##") {
		return text
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		text = strings.ReplaceAll(text, "##"+k+"##", values[k])
	}
	return placeholder.ReplaceAllString(text, "")
}

// Values returns the placeholders available to a message: its own scalar
// fields, overridden by anything in f.Values.
func Values(f message.Fields) map[string]string {
	v := map[string]string{
		"subject":     f.Subject,
		"from":        f.From,
		"to":          f.To,
		"cc":          f.Cc,
		"bcc":         f.Bcc,
		"replyTo":     f.ReplyTo,
		"returnPath":  f.ReturnPath,
		"errorsTo":    f.ErrorsTo,
		"mailFrom":    f.MailFrom,
		"rcptTo":      address.Join(f.RcptTo),
		"contentType": f.ContentType,
		"charset":     f.Charset,
	}
	for k, s := range f.Values {
		v[k] = s
	}
	return v
}
