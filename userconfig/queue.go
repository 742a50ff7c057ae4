package userconfig

import (
	"errors"
	"fmt"
	"io"

	"github.com/ptgott/batchmail/message"

	yaml "gopkg.in/yaml.v2"
)

// QueueEntry is one message in a queue file. Attachments are named by path
// and read when the queue is loaded.
type QueueEntry struct {
	message.Fields `yaml:",inline"`
	Attachments    []AttachmentEntry `yaml:"attachments"`
}

// AttachmentEntry points at a file to attach. Filename defaults to the
// file's base name and ContentType to a guess from its extension or
// content.
type AttachmentEntry struct {
	Path        string `yaml:"path"`
	Filename    string `yaml:"filename"`
	ContentType string `yaml:"contentType"`
}

// ParseQueue reads a queue file: a YAML list of messages.
//
// A YAML value with " #" in it must be quoted, e.g. subject: 'Hello ##name##'.
// Unquoted, everything from the " #" on is a comment and the placeholder is
// lost.
func ParseQueue(r io.Reader) ([]QueueEntry, error) {
	var q []QueueEntry
	if err := yaml.NewDecoder(r).Decode(&q); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("the queue file is empty")
		}
		return nil, fmt.Errorf("can't read the queue file as YAML: %w", err)
	}
	if len(q) == 0 {
		return nil, errors.New("the queue file doesn't list any messages")
	}
	for i, e := range q {
		for j, a := range e.Attachments {
			if a.Path == "" {
				return nil, fmt.Errorf("message %v: attachment %v has no path", i, j)
			}
		}
	}
	return q, nil
}
