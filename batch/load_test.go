package batch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ptgott/batchmail/message"
	"github.com/ptgott/batchmail/userconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	d := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(d, "report.json"), []byte(`{"a": 1}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(d, "blob"), []byte("%PDF-1.4 fake"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(d, "empty.txt"), nil, 0o600))

	entries := []userconfig.QueueEntry{
		{
			Fields: message.Fields{To: "a@x.com", Subject: "one"},
			Attachments: []userconfig.AttachmentEntry{
				{Path: "report.json"},
				{Path: filepath.Join(d, "blob"), Filename: "doc.pdf"},
				{Path: "blob", ContentType: "application/x-custom"},
				{Path: "empty.txt"},
			},
		},
		{
			Fields: message.Fields{To: "b@y.com"},
		},
	}

	q, err := Load(entries, message.Fields{From: "news@example.com"}, d)
	require.NoError(t, err)
	require.Equal(t, 2, q.Len())

	m := q.Messages()[0]
	assert.Equal(t, "<news@example.com>", m.MailFrom)
	assert.Equal(t, []string{"<a@x.com>"}, m.RcptTo)
	require.Len(t, m.Attachments, 4)

	assert.Equal(t, "report.json", m.Attachments[0].Filename)
	assert.Equal(t, "application/json", m.Attachments[0].ContentType)
	assert.Equal(t, []byte(`{"a": 1}`), m.Attachments[0].Content)

	assert.Equal(t, "doc.pdf", m.Attachments[1].Filename)
	assert.Equal(t, "application/pdf", m.Attachments[1].ContentType)

	assert.Equal(t, "blob", m.Attachments[2].Filename)
	assert.Equal(t, "application/x-custom", m.Attachments[2].ContentType)

	assert.Empty(t, m.Attachments[3].Content)

	assert.Empty(t, q.Messages()[1].Attachments)
	assert.Equal(t, "news@example.com", q.Messages()[1].From)
}

func TestLoadMissingAttachment(t *testing.T) {
	entries := []userconfig.QueueEntry{
		{
			Fields:      message.Fields{To: "a@x.com"},
			Attachments: []userconfig.AttachmentEntry{{Path: "nope.txt"}},
		},
	}
	_, err := Load(entries, message.Fields{}, t.TempDir())
	assert.Error(t, err)
}

func TestDetectContentType(t *testing.T) {
	testCases := []struct {
		description string
		configured  string
		filename    string
		content     []byte
		expected    string
	}{
		{
			description: "configured wins",
			configured:  "text/csv",
			filename:    "x.png",
			content:     []byte("x"),
			expected:    "text/csv",
		},
		{
			description: "by extension",
			filename:    "x.png",
			content:     []byte("x"),
			expected:    "image/png",
		},
		{
			description: "sniffed",
			filename:    "noext",
			content:     []byte("%PDF-1.4"),
			expected:    "application/pdf",
		},
		{
			description: "unknown binary",
			filename:    "noext",
			content:     []byte{0x00, 0x01, 0x02},
			expected:    "application/octet-stream",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			assert.Equal(t, tc.expected, detectContentType(tc.configured, tc.filename, tc.content))
		})
	}
}
