package batch

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/ptgott/batchmail/message"
	"github.com/ptgott/batchmail/userconfig"
	"github.com/rs/zerolog/log"
)

// Load builds a queue from the entries of a queue file. Relative attachment
// paths are resolved against dir. A missing attachment file fails the whole
// load, since nothing has been sent yet.
func Load(entries []userconfig.QueueEntry, defaults message.Fields, dir string) (*message.Queue, error) {
	q := message.NewQueue(defaults)
	for i, e := range entries {
		f := e.Fields
		f.Attachments = nil
		for _, a := range e.Attachments {
			att, err := readAttachment(a, dir)
			if err != nil {
				return nil, fmt.Errorf("message %v: %w", i, err)
			}
			f.Attachments = append(f.Attachments, att)
		}
		m := q.Add(f)
		log.Debug().
			Int("index", i).
			Str("id", m.ID.String()).
			Strs("rcptTo", m.RcptTo).
			Int("attachments", len(m.Attachments)).
			Msg("queued a message")
	}
	return q, nil
}

func readAttachment(a userconfig.AttachmentEntry, dir string) (message.Attachment, error) {
	p := a.Path
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return message.Attachment{}, fmt.Errorf("can't read the attachment: %w", err)
	}

	n := a.Filename
	if n == "" {
		n = filepath.Base(a.Path)
	}

	return message.Attachment{
		Filename:    n,
		ContentType: detectContentType(a.ContentType, n, b),
		Content:     b,
	}, nil
}

// detectContentType prefers the configured type, then the file extension,
// then sniffing the content.
func detectContentType(configured, filename string, content []byte) string {
	if configured != "" {
		return configured
	}
	if t := mime.TypeByExtension(filepath.Ext(filename)); t != "" {
		return t
	}
	return http.DetectContentType(content)
}
