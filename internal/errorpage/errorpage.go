// Package errorpage renders error response bodies by textual substitution,
// per spec.md §4.H: "Substitution is purely textual (status code and
// reason phrase)." It deliberately uses text/template rather than
// html/template: the only substituted values are the status code and the
// server-generated reason phrase, never attacker-controlled content.
package errorpage

import (
	"bytes"
	"fmt"
	"os"
	"text/template"
)

// Data is the substitution context available to an error page template.
type Data struct {
	Status int
	Reason string
}

const builtinSource = `<html>
<head><title>{{.Status}} {{.Reason}}</title></head>
<body>
<center><h1>{{.Status}} {{.Reason}}</h1></center>
<hr><center>webserv</center>
</body>
</html>
`

var builtin = template.Must(template.New("builtin-error").Parse(builtinSource))

// Render produces the HTML body for status/reason, preferring the
// configured page at path when non-empty and readable; falling back to the
// built-in template otherwise. The configured file itself is treated as a
// template source using the same {{.Status}}/{{.Reason}} fields.
func Render(path string, status int, reason string) ([]byte, error) {
	data := Data{Status: status, Reason: reason}

	if path != "" {
		src, err := os.ReadFile(path)
		if err == nil {
			tmpl, perr := template.New("configured-error").Parse(string(src))
			if perr == nil {
				var buf bytes.Buffer
				if err := tmpl.Execute(&buf, data); err == nil {
					return buf.Bytes(), nil
				}
			}
		}
	}

	var buf bytes.Buffer
	if err := builtin.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("errorpage: render builtin: %w", err)
	}
	return buf.Bytes(), nil
}
