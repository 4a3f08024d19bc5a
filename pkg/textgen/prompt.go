package textgen

import (
	"strings"
	"text/template"
)

const (
	// Divider separates subject from body in model output.
	Divider = "[divider]"
	// LinkPlaceholder marks where the tracked link goes in the body.
	LinkPlaceholder = "[link_for_user]"
)

var promptTmpl = template.Must(template.New("email").Funcs(template.FuncMap{
	"orNone": func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "None"
		}
		return s
	},
}).Parse(`You write short emails exchanged between colleagues of the same company.
Write one email to a colleague using the parameters below.

The email asks the colleague, as a favour, to act on the request described by
request_type, for the reason given by request_reason, worded naturally. It must
not read like an instruction from a stranger: prefer "could you check whether
this link works" over "click this link".

Parameters:
- my_name, my_last_name: the sender.
- colleague_name, colleague_last_name: the recipient.
- formality_level, urgency_level, request_length: the tone and size of the email.
- include_link: when True the body contains the placeholder {{.Link}} exactly
  once, where the link belongs. Never put it in the subject.
- subject_body_divider: written on its own line between subject and body.

Ignore parameters that are None or empty and never mention them. Never write
bracketed template words other than {{.Link}} and {{.Divider}}.

Output, with nothing before or after:
a one-line subject without the word "subject"
{{.Divider}}
the body as simple HTML paragraphs, signed with the sender's name when known

Parameters:
- my_name: {{orNone .P.FromName}}
- my_last_name: {{orNone .P.FromLastName}}
- colleague_name: {{orNone .P.ToName}}
- colleague_last_name: {{orNone .P.ToLastName}}
- formality_level: {{.P.Formality}}
- urgency_level: {{.P.Urgency}}
- request_type: {{.P.RequestType}}
- request_reason: {{.P.RequestReason}}
- request_length: {{.P.Length}}
- include_link: {{if .P.IncludeLink}}True{{else}}False{{end}}
- subject_body_divider: {{.Divider}}
`))

// Prompt renders the instruction sent to the model for p.
func Prompt(p Params) string {
	var b strings.Builder
	_ = promptTmpl.Execute(&b, struct {
		P       Params
		Link    string
		Divider string
	}{p, LinkPlaceholder, Divider})
	return b.String()
}
