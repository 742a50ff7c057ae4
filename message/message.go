package message

import (
	"maps"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"github.com/ptgott/batchmail/address"
	"github.com/rs/zerolog/log"
)

// Attachment is a file carried as its own part of a multipart message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Fields describes a single mail item as the caller supplies it. The same
// type carries queue-level defaults: any field left at its zero value by the
// caller inherits the default.
type Fields struct {
	// Envelope. MailFrom is a single mailbox and RcptTo is an ordered list
	// of mailboxes, both in <local@domain> form once the message has been
	// added to a queue.
	MailFrom string   `yaml:"mailFrom"`
	RcptTo   []string `yaml:"rcptTo"`

	// Display headers, free-form.
	From       string `yaml:"from"`
	To         string `yaml:"to"`
	ReplyTo    string `yaml:"replyTo"`
	Cc         string `yaml:"cc"`
	Bcc        string `yaml:"bcc"`
	ReturnPath string `yaml:"returnPath"`
	ErrorsTo   string `yaml:"errorsTo"`

	Subject       string `yaml:"subject"`
	SubjectPrefix string `yaml:"subjectPrefix"`
	// EncodeSubject forces an encoded-word Subject header whenever a
	// charset is set. Non-ASCII subjects are encoded regardless.
	EncodeSubject bool `yaml:"encodeSubject"`

	ContentType string `yaml:"contentType"`
	Charset     string `yaml:"charset"`

	Head   string `yaml:"head"`
	Text   string `yaml:"text"`
	Bottom string `yaml:"bottom"`

	// Values are extra ##key## placeholders for the subject and body.
	Values map[string]string `yaml:"values"`

	Attachments []Attachment `yaml:"-"`
}

// Message is one queued mail item plus its outcome. After a send, exactly
// one of SentAt and Err is set, unless the session never got as far as this
// message.
type Message struct {
	ID uuid.UUID
	Fields
	SentAt time.Time
	Err    error
}

// Sent reports whether the relay accepted the message.
func (m *Message) Sent() bool {
	return !m.SentAt.IsZero()
}

// Failed reports whether a transaction error was recorded for the message.
func (m *Message) Failed() bool {
	return m.Err != nil
}

// Attempted reports whether the message has an outcome of either kind.
func (m *Message) Attempted() bool {
	return m.Sent() || m.Failed()
}

// Queue is an ordered list of messages. Insertion order is transaction
// order. A Queue is not safe for concurrent use.
type Queue struct {
	defaults Fields
	messages []*Message
}

// NewQueue returns an empty queue whose messages inherit defaults.
func NewQueue(defaults Fields) *Queue {
	return &Queue{defaults: defaults}
}

// Defaults returns the fields that added messages inherit.
func (q *Queue) Defaults() Fields {
	return q.defaults
}

// Add merges in over the queue defaults, derives the envelope and appends
// the result to the queue.
//
// A message that ends up without a valid MailFrom or without any RcptTo is
// still queued. It fails when the queue is sent, without blocking the rest.
func (q *Queue) Add(in Fields) *Message {
	f := in
	f.Values = maps.Clone(in.Values)
	if err := mergo.Merge(&f, q.defaults); err != nil {
		// Only happens on mismatched types, which Fields can't produce.
		log.Error().Err(err).Msg("couldn't merge message defaults")
	}

	if f.SubjectPrefix != "" {
		if f.Subject != "" {
			f.Subject = f.SubjectPrefix + " " + f.Subject
		} else {
			f.Subject = f.SubjectPrefix
		}
	}

	if f.From == "" {
		f.From = f.MailFrom
	}
	if f.MailFrom == "" {
		f.MailFrom = f.From
	}
	if mf, err := address.PrepareForCommand(f.MailFrom); err == nil {
		f.MailFrom = mf
	} else {
		f.MailFrom = ""
	}

	if len(f.RcptTo) > 0 {
		f.RcptTo = address.Envelope(f.RcptTo...)
	} else {
		f.RcptTo = address.Envelope(f.To, f.Cc, f.Bcc)
	}

	m := &Message{
		ID:     uuid.New(),
		Fields: f,
	}

	for _, a := range f.Attachments {
		if len(a.Content) == 0 {
			log.Warn().
				Str("id", m.ID.String()).
				Str("filename", a.Filename).
				Msg("attachment has no content and won't be sent")
		}
	}

	q.messages = append(q.messages, m)
	return m
}

// Messages returns the queued messages in transaction order. The returned
// messages are the queue's own, not copies.
func (q *Queue) Messages() []*Message {
	return q.messages
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return len(q.messages)
}

// Failed returns the messages that carry a transaction error.
func (q *Queue) Failed() []*Message {
	var r []*Message
	for _, m := range q.messages {
		if m.Failed() {
			r = append(r, m)
		}
	}
	return r
}
