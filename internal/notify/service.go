package notify

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"text/template"

	"github.com/wolfman30/telehealth-booking/internal/dispatch"
	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

type emailTemplate struct {
	subject *template.Template
	text    *template.Template
	html    *htmltemplate.Template
}

type templateSource struct {
	subject, text, html string
}

var sources = map[string]templateSource{
	"reservation_confirmed": {
		subject: `Consultation confirmed for {{.Date}} at {{.Time}}`,
		text: `Hello {{.PatientName}},

Your consultation with {{.ProviderName}} is booked for {{.Date}} at {{.Time}}.
You can enter the room a few minutes before the start time.

Cancellations and reschedules need at least 24 hours notice.`,
		html: `<p>Hello {{.PatientName}},</p>
<p>Your consultation with <strong>{{.ProviderName}}</strong> is booked for {{.Date}} at {{.Time}}.</p>
<p>Cancellations and reschedules need at least 24 hours notice.</p>`,
	},
	"reservation_received": {
		subject: `New consultation on {{.Date}} at {{.Time}}`,
		text: `Hello {{.ProviderName}},

{{.PatientName}} booked a consultation with you for {{.Date}} at {{.Time}}.`,
		html: `<p>Hello {{.ProviderName}},</p>
<p><strong>{{.PatientName}}</strong> booked a consultation with you for {{.Date}} at {{.Time}}.</p>`,
	},
	"consultation_status_changed": {
		subject: `Consultation on {{.Date}} at {{.Time}}: {{statusLabel .Status}}`,
		text: `The consultation between {{.PatientName}} and {{.ProviderName}} on {{.Date}} at {{.Time}} is now {{statusLabel .Status}}.
{{- if .Refunded}}
The session was returned to the patient's balance.{{end}}
{{- if .Reason}}
Reason: {{.Reason}}{{end}}
{{- if .Protocol}}
Protocol: {{.Protocol}}{{end}}`,
		html: `<p>The consultation between {{.PatientName}} and {{.ProviderName}} on {{.Date}} at {{.Time}} is now <strong>{{statusLabel .Status}}</strong>.</p>
{{- if .Refunded}}<p>The session was returned to the patient's balance.</p>{{end}}
{{- if .Reason}}<p>Reason: {{.Reason}}</p>{{end}}
{{- if .Protocol}}<p>Protocol: {{.Protocol}}</p>{{end}}`,
	},
}

func statusLabel(status any) string {
	return strings.ReplaceAll(fmt.Sprint(status), "_", " ")
}

// Mailer renders the booking templates and hands them to an EmailSender.
type Mailer struct {
	sender    EmailSender
	templates map[string]emailTemplate
	logger    *logging.Logger
}

func NewMailer(sender EmailSender, logger *logging.Logger) *Mailer {
	if logger == nil {
		logger = logging.Default()
	}
	if sender == nil {
		sender = NewStubEmailSender(logger)
	}
	funcs := template.FuncMap{"statusLabel": statusLabel}
	templates := make(map[string]emailTemplate, len(sources))
	for name, src := range sources {
		templates[name] = emailTemplate{
			subject: template.Must(template.New(name + ".subject").Funcs(funcs).Parse(src.subject)),
			text:    template.Must(template.New(name + ".text").Funcs(funcs).Option("missingkey=zero").Parse(src.text)),
			html:    htmltemplate.Must(htmltemplate.New(name + ".html").Funcs(htmltemplate.FuncMap(funcs)).Option("missingkey=zero").Parse(src.html)),
		}
	}
	return &Mailer{sender: sender, templates: templates, logger: logger}
}

// SendTemplate renders template name with data and sends it to the participant.
func (m *Mailer) SendTemplate(ctx context.Context, to dispatch.Participant, name string, data map[string]any) error {
	if to.Email == "" {
		m.logger.Warn("participant has no email, skipping", "user_id", to.ID, "template", name)
		return nil
	}
	msg, err := m.Render(name, data)
	if err != nil {
		return err
	}
	msg.To = to.Email
	msg.ToName = to.Name
	return m.sender.Send(ctx, msg)
}

// Render builds the message for a template without recipients.
func (m *Mailer) Render(name string, data map[string]any) (EmailMessage, error) {
	t, ok := m.templates[name]
	if !ok {
		return EmailMessage{}, fmt.Errorf("notify: unknown template %q", name)
	}
	var subject, text, html bytes.Buffer
	if err := t.subject.Execute(&subject, data); err != nil {
		return EmailMessage{}, fmt.Errorf("notify: render %s subject: %w", name, err)
	}
	if err := t.text.Execute(&text, data); err != nil {
		return EmailMessage{}, fmt.Errorf("notify: render %s body: %w", name, err)
	}
	if err := t.html.Execute(&html, data); err != nil {
		return EmailMessage{}, fmt.Errorf("notify: render %s html: %w", name, err)
	}
	return EmailMessage{
		Subject: strings.TrimSpace(subject.String()),
		Body:    text.String(),
		HTML:    html.String(),
	}, nil
}

var _ dispatch.Emailer = (*Mailer)(nil)
