package e2e

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/emersion/go-message/mail"
	"github.com/ptgott/batchmail/batch"
	"github.com/ptgott/batchmail/email"
	"github.com/ptgott/batchmail/message"
	"github.com/ptgott/batchmail/sentcopy"
	"github.com/ptgott/batchmail/storage"
	"github.com/ptgott/batchmail/userconfig"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runFromFiles does what the command line tool does with a config path and
// a queue path, and returns the queue, the report and the run's error.
func runFromFiles(t *testing.T, te *testEnvironment, configPath, queuePath string) (*message.Queue, string, error) {
	t.Helper()

	cf, err := os.Open(configPath)
	require.NoError(t, err)
	defer cf.Close()
	m, err := userconfig.Parse(cf)
	require.NoError(t, err)
	conf, err := m.CheckAndSetDefaults()
	require.NoError(t, err)

	qf, err := os.Open(queuePath)
	require.NoError(t, err)
	defer qf.Close()
	entries, err := userconfig.ParseQueue(qf)
	require.NoError(t, err)

	q, err := batch.Load(entries, conf.Defaults, te.dir)
	require.NoError(t, err)

	var out bytes.Buffer
	err = batch.Run(
		context.Background(),
		&batch.Config{
			OutputWr:      &out,
			ClientOptions: []email.Option{email.WithLogger(zerolog.Nop())},
		},
		&conf,
		q,
	)
	return q, out.String(), err
}

// readPayload parses a received message and returns its subject, the text
// of its inline part and the attachments by filename.
func readPayload(t *testing.T, data string) (string, string, map[string]string) {
	t.Helper()
	mr, err := mail.CreateReader(strings.NewReader(data))
	require.NoError(t, err)

	subject, err := mr.Header.Subject()
	require.NoError(t, err)

	var text string
	attachments := make(map[string]string)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		b, err := io.ReadAll(p.Body)
		require.NoError(t, err)

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			text = string(b)
		case *mail.AttachmentHeader:
			n, err := h.Filename()
			require.NoError(t, err)
			attachments[n] = string(b)
		}
	}
	return subject, text, attachments
}

func TestBatchDelivery(t *testing.T) {
	te, err := startTestEnvironment(t)
	require.NoError(t, err)

	_, err = te.writeFile("notes.txt", []byte("line one\n.line two starts with a dot\n"))
	require.NoError(t, err)

	archive := te.path("archive")
	require.NoError(t, createAppConfig(te.path("config.yaml"), appConfigOptions{
		RelayAddress: te.SMTPServer.Address(),
		ArchiveDir:   archive,
	}))
	require.NoError(t, createQueue(te.path("queue.yaml"), []queueEntryOptions{
		{To: `"Doe, Jane" <jane@example.com>`, Name: "Jane", Attachments: []string{"notes.txt"}},
		{To: "bob@example.com", Name: "Bob"},
		{To: "carol@example.com, dave@example.com", Name: "all"},
	}))

	q, report, err := runFromFiles(t, te, te.path("config.yaml"), te.path("queue.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0, batch.ExitCode(err))
	assert.Contains(t, report, "3 of 3 messages sent")
	for _, m := range q.Messages() {
		assert.True(t, m.Sent())
	}

	got := te.SMTPServer.Messages()
	require.Len(t, got, 3)

	for _, r := range got {
		assert.True(t, r.TLS)
		assert.Equal(t, "myuser123", r.User)
		assert.Equal(t, "mynewsletter@example.com", r.From)
	}
	assert.Equal(t, []string{"jane@example.com"}, got[0].To)
	assert.Equal(t, []string{"bob@example.com"}, got[1].To)
	assert.Equal(t, []string{"carol@example.com", "dave@example.com"}, got[2].To)

	subject, text, attachments := readPayload(t, got[0].Data)
	assert.Equal(t, "[news] Hello Jane", subject)
	assert.Contains(t, text, "Dear Jane,")
	assert.Contains(t, text, "This week's news is attached.")
	assert.Contains(t, text, "Unsubscribe: https://example.com/unsubscribe")
	require.Contains(t, attachments, "notes.txt")
	assert.Equal(t, "line one\n.line two starts with a dot\n", attachments["notes.txt"])

	subject, text, attachments = readPayload(t, got[1].Data)
	assert.Equal(t, "[news] Hello Bob", subject)
	assert.Contains(t, text, "Dear Bob,")
	assert.Empty(t, attachments)

	db, err := storage.NewBadgerDB(&storage.KVConfig{StorageDirPath: archive})
	require.NoError(t, err)
	defer db.Close()
	ids, err := sentcopy.NewArchive(db).List()
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestBatchDebugRouting(t *testing.T) {
	te, err := startTestEnvironment(t)
	require.NoError(t, err)

	require.NoError(t, createAppConfig(te.path("config.yaml"), appConfigOptions{
		RelayAddress: te.SMTPServer.Address(),
		DebugRcptTo:  "tester@example.com",
	}))
	require.NoError(t, createQueue(te.path("queue.yaml"), []queueEntryOptions{
		{To: "jane@example.com", Name: "Jane"},
		{To: "bob@example.com", Name: "Bob"},
	}))

	q, _, err := runFromFiles(t, te, te.path("config.yaml"), te.path("queue.yaml"))
	require.NoError(t, err)

	got := te.SMTPServer.Messages()
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, []string{"tester@example.com"}, r.To)
	}

	// The payload still shows the real recipients.
	assert.Contains(t, got[0].Data, "To: jane@example.com\r\n")
	assert.Equal(t, []string{"<jane@example.com>"}, q.Messages()[0].RcptTo)
}

func TestBatchPartialFailure(t *testing.T) {
	te, err := startTestEnvironment(t)
	require.NoError(t, err)

	require.NoError(t, createAppConfig(te.path("config.yaml"), appConfigOptions{
		RelayAddress: te.SMTPServer.Address(),
	}))
	require.NoError(t, createQueue(te.path("queue.yaml"), []queueEntryOptions{
		{To: "jane@example.com", Name: "Jane"},
		{To: "nobody at all", Name: "Nobody"},
		{To: "bob@example.com", Name: "Bob"},
	}))

	q, report, err := runFromFiles(t, te, te.path("config.yaml"), te.path("queue.yaml"))
	require.Error(t, err)
	assert.Equal(t, email.KindPartial, email.KindOf(err))
	assert.Equal(t, 2, batch.ExitCode(err))

	assert.True(t, q.Messages()[0].Sent())
	assert.True(t, q.Messages()[1].Failed())
	assert.ErrorIs(t, q.Messages()[1].Err, email.ErrNoRcptTo)
	assert.True(t, q.Messages()[2].Sent())

	assert.Len(t, te.SMTPServer.Messages(), 2)
	assert.Contains(t, report, "message 1 []: NOT sent: ")
	assert.Contains(t, report, "2 of 3 messages sent")
}
