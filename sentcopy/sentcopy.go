package sentcopy

import "context"

// Appender saves the raw bytes of a message that the relay has already
// accepted. A failed Append never changes the outcome of the send.
type Appender interface {
	Append(ctx context.Context, raw []byte) error
	// Name identifies the target in logs.
	Name() string
}

// Config selects where sent copies go. At most one of IMAP and Archive may
// be set.
type Config struct {
	IMAP    *IMAPConfig    `yaml:"imap"`
	Archive *ArchiveConfig `yaml:"archive"`
}
