// ABOUTME: Template rendering for terminal-failure alert emails.
// ABOUTME: Templates parsed once at init from embedded FS; rendered per alert.
package notify

import (
	"bytes"
	"embed"
	"fmt"
	htmltpl "html/template"
	"strings"
	texttpl "text/template"
	"time"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var funcMap = map[string]any{
	"rfc3339": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
}

var (
	failureHTML *htmltpl.Template
	failureText *texttpl.Template
)

func init() {
	failureHTML = htmltpl.Must(htmltpl.New("").Funcs(htmltpl.FuncMap(funcMap)).ParseFS(templateFS, "templates/failure.html.tmpl"))
	failureText = texttpl.Must(texttpl.New("").Funcs(texttpl.FuncMap(funcMap)).ParseFS(templateFS, "templates/failure.txt.tmpl"))
}

// FailureTemplateData is the context passed to failure alert templates.
type FailureTemplateData struct {
	Queue     string
	JobID     string
	Attempts  int
	Permanent bool
	Error     string
	At        time.Time
	Host      string
}

// RenderFailure renders a failure alert. Returns subject, HTML body, and
// plaintext body.
func RenderFailure(data FailureTemplateData) (string, string, string, error) {
	var subjectBuf bytes.Buffer
	if err := failureText.ExecuteTemplate(&subjectBuf, "subject", data); err != nil {
		return "", "", "", fmt.Errorf("render subject: %w", err)
	}
	var htmlBuf bytes.Buffer
	if err := failureHTML.ExecuteTemplate(&htmlBuf, "body", data); err != nil {
		return "", "", "", fmt.Errorf("render html: %w", err)
	}
	var textBuf bytes.Buffer
	if err := failureText.ExecuteTemplate(&textBuf, "body", data); err != nil {
		return "", "", "", fmt.Errorf("render text: %w", err)
	}
	return sanitizeSubject(subjectBuf.String()), htmlBuf.String(), textBuf.String(), nil
}

// sanitizeSubject strips CR/LF to prevent email header injection.
func sanitizeSubject(s string) string {
	s = strings.TrimSpace(s)
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}
