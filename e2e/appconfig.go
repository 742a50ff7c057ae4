package e2e

import (
	"bytes"
	"fmt"
	"os"
	"text/template"
)

// appConfigOptions is used to fill in a config template with details unique to
// a specific test environment. Keep this as small as possible so the input
// remains as close to a "real" YAML document as we can make it.
//
// Fields are exported so we can use them in templates.
type appConfigOptions struct {
	RelayAddress string
	ArchiveDir   string
	DebugRcptTo  string
}

const configTemplate = `---
relay:
    host: smtp://{{ .RelayAddress }}
    tls: true
    skipCertVerification: true
    login: myuser123
    password: myuser123
    connectTimeout: 5s
    readTimeout: 10s
defaults:
    from: '"My Newsletter" <mynewsletter@example.com>'
    subjectPrefix: "[news]"
    bottom: "--\nUnsubscribe: ##unsubscribe##"
    values:
        unsubscribe: https://example.com/unsubscribe
{{- if .DebugRcptTo }}
debug:
    rcptTo: {{ .DebugRcptTo }}
{{- end }}
{{- if .ArchiveDir }}
sentCopy:
    archive:
        storageDir: {{ .ArchiveDir }}
        keyTTL: 1h
{{- end }}
`

// queueEntryOptions is one message in a generated queue file.
type queueEntryOptions struct {
	To          string
	Name        string
	Attachments []string
}

const queueTemplate = `---
{{- range . }}
- to: '{{ .To }}'
  subject: 'Hello ##name##'
  head: 'Dear ##name##,'
  text: This week's news is attached.
  values:
      name: {{ .Name }}
{{- if .Attachments }}
  attachments:
{{- range .Attachments }}
      - path: {{ . }}
{{- end }}
{{- end }}
{{- end }}
`

// writeTemplate populates tmpl with data and writes the result to path.
func writeTemplate(path, tmpl string, data interface{}) error {
	t, err := template.New("conf").Parse(tmpl)

	// This means the template string was written incorrectly. Not
	// an issue with the application itself.
	if err != nil {
		return fmt.Errorf("couldn't parse the template: %v", err)
	}

	var b bytes.Buffer

	err = t.Execute(&b, data)

	// This is an issue with the test environment, not the application
	if err != nil {
		return fmt.Errorf("couldn't populate the template: %v", err)
	}

	if err := os.WriteFile(path, b.Bytes(), 0o600); err != nil {
		return fmt.Errorf("couldn't write to %v: %v", path, err)
	}

	return nil
}

// createAppConfig writes a configuration YAML doc to the given path.
func createAppConfig(path string, opts appConfigOptions) error {
	return writeTemplate(path, configTemplate, opts)
}

// createQueue writes a queue YAML doc to the given path.
func createQueue(path string, entries []queueEntryOptions) error {
	return writeTemplate(path, queueTemplate, entries)
}
