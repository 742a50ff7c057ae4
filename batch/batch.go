package batch

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ptgott/batchmail/email"
	"github.com/ptgott/batchmail/message"
	"github.com/ptgott/batchmail/payload"
	"github.com/ptgott/batchmail/sentcopy"
	"github.com/ptgott/batchmail/storage"
	"github.com/ptgott/batchmail/userconfig"
	"github.com/rs/zerolog/log"
)

// Config controls a single run.
type Config struct {
	// Writer for the delivery report, and for payloads when DryRun is
	// set. Nothing is written if OutputWr is nil.
	OutputWr io.Writer
	// DryRun writes each serialized payload to OutputWr instead of
	// connecting to the relay.
	DryRun bool
	// ClientOptions are passed to email.NewClient after the options Run
	// sets up itself, so they take precedence.
	ClientOptions []email.Option
}

// Run sends q using the validated config. The returned error is the one
// the email client returned, so email.KindOf tells a failed session apart
// from a partial failure. The queue carries each message's outcome either
// way.
func Run(ctx context.Context, c *Config, conf *userconfig.Meta, q *message.Queue) error {
	if c.DryRun {
		return dryRun(c.OutputWr, conf.Relay.Debug, q)
	}

	appender, closeCopies, err := openSentCopy(conf.SentCopy)
	if err != nil {
		return &email.Error{Kind: email.KindConfiguration, Op: "sent copy", Err: err}
	}
	defer closeCopies()

	var opts []email.Option
	if appender != nil {
		opts = append(opts, email.WithSentCopy(appender))
	}
	opts = append(opts, c.ClientOptions...)

	cl, err := email.NewClient(conf.Relay, opts...)
	if err != nil {
		return err
	}

	log.Info().
		Str("relay", cl.Config().Address()).
		Int("count", q.Len()).
		Msg("sending the queue")

	_, err = cl.Send(ctx, q)

	if c.OutputWr != nil {
		if rerr := Report(c.OutputWr, q); rerr != nil {
			log.Error().Err(rerr).Msg("cannot write the delivery report")
		}
	}
	return err
}

// openSentCopy returns the configured appender, or nil if sent copies are
// off, plus a function that releases it.
func openSentCopy(conf sentcopy.Config) (sentcopy.Appender, func(), error) {
	switch {
	case conf.IMAP != nil:
		i, err := sentcopy.NewIMAP(*conf.IMAP)
		if err != nil {
			return nil, nil, err
		}
		return i, func() {
			if err := i.Close(); err != nil {
				log.Error().Err(err).Msg("error closing the IMAP connection")
			}
		}, nil
	case conf.Archive != nil:
		db, err := storage.NewBadgerDB(&conf.Archive.KVConfig)
		if err != nil {
			return nil, nil, err
		}
		return sentcopy.NewArchive(db), func() {
			// Get rid of expired copies just before we close
			if err := db.Cleanup(); err != nil {
				log.Error().Err(err).Msg("error cleaning up the archive")
			}
			// Close so BadgerDB flushes to disk.
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("error closing the archive")
			}
		}, nil
	default:
		return nil, func() {}, nil
	}
}

func dryRun(w io.Writer, debug email.DebugRouting, q *message.Queue) error {
	if q.Len() == 0 {
		return &email.BatchError{Kind: email.KindConfiguration, Err: email.ErrEmptyQueue, Queue: q}
	}
	if w == nil {
		log.Warn().Msg("a writer is unavailable for receiving the output messages")
		return nil
	}
	var s payload.Serializer
	for i, m := range q.Messages() {
		f := m.Fields
		if debug.Enabled() {
			f = debug.Apply(f)
		}
		if _, err := fmt.Fprintf(
			w,
			"--- message %v\nMAIL FROM:%v\nRCPT TO:%v\n\n",
			i,
			f.MailFrom,
			f.RcptTo,
		); err != nil {
			return err
		}
		if _, err := w.Write(s.Serialize(f)); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}

// Report writes one line per message: when it was sent or why it wasn't.
// Messages the session never reached are reported as skipped.
func Report(w io.Writer, q *message.Queue) error {
	sent := 0
	for i, m := range q.Messages() {
		var err error
		switch {
		case m.Sent():
			sent++
			_, err = fmt.Fprintf(w, "message %v %v: sent at %v\n", i, m.RcptTo, m.SentAt.Format("2006-01-02T15:04:05Z07:00"))
		case m.Failed():
			_, err = fmt.Fprintf(w, "message %v %v: NOT sent: %v\n", i, m.RcptTo, m.Err)
		default:
			_, err = fmt.Fprintf(w, "message %v %v: skipped\n", i, m.RcptTo)
		}
		if err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%v of %v messages sent\n", sent, q.Len())
	return err
}

// ExitCode maps the result of Run to a process exit code: 0 when every
// message was sent, 2 when only some were and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var be *email.BatchError
	if errors.As(err, &be) && be.Kind == email.KindPartial {
		return 2
	}
	return 1
}
