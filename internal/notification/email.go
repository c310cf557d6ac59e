// Package notification mails supervisors about patrols that ended with
// checkpoints missed.
package notification

import (
	"bytes"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/protocol"
	"github.com/smukkama/vigilant-patrol/pkg/config"
)

const missedTemplate = `
Patrol Completed With Missed Checkpoints
========================================

Guard: {{.GuardName}} ({{.GuardID}})
Patrol ID: {{.SessionID}}
Started: {{.StartedAt.Format "2006-01-02 15:04:05 MST"}}
Ended: {{.EndedAt.Format "2006-01-02 15:04:05 MST"}}
Checkpoints covered: {{.Reached}}/{{.Total}}
GPS samples: {{.SamplesTaken}}

Missed checkpoints:
{{range .MissedNames}}  - {{.}}
{{end}}
Please follow up with the guard before the next shift.

---
Vigilant Patrol Notification System
`

var missedTmpl = template.Must(template.New("missed").Parse(missedTemplate))

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends email notifications
type EmailNotifier struct {
	config *config.SMTPConfig
	send   sendFunc
	now    func() time.Time
}

// NewEmailNotifier creates a new email notifier
func NewEmailNotifier(cfg *config.SMTPConfig) *EmailNotifier {
	return &EmailNotifier{config: cfg, send: smtp.SendMail, now: time.Now}
}

// SendMissedCheckpoints mails a missed-checkpoint report
func (e *EmailNotifier) SendMissedCheckpoints(report *protocol.MissedCheckpointReport) error {
	subject := fmt.Sprintf("Patrol incomplete - %s missed %d of %d checkpoints",
		report.GuardName, len(report.MissedIDs), report.Total)

	body, err := RenderMissedCheckpoints(report)
	if err != nil {
		return fmt.Errorf("failed to render email template: %w", err)
	}
	return e.sendEmail(subject, body)
}

// RenderMissedCheckpoints renders the plain-text report body.
func RenderMissedCheckpoints(report *protocol.MissedCheckpointReport) (string, error) {
	var buf bytes.Buffer
	if err := missedTmpl.Execute(&buf, report); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (e *EmailNotifier) configured() bool {
	return e.config.Username != "" && e.config.Password != ""
}

func (e *EmailNotifier) sendEmail(subject, body string) error {
	if !e.configured() {
		logging.Info().Str("subject", subject).Str("body", body).Msg("SMTP not configured, skipping email")
		return nil
	}

	recipients := splitRecipients(e.config.To)

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", e.config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", e.now().Format(time.RFC1123Z))
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := e.send(addr, auth, e.config.From, recipients, []byte(msg.String())); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	logging.Info().Str("subject", subject).Strs("to", recipients).Msg("email sent")
	return nil
}

// TestConnection tests the SMTP connection
func (e *EmailNotifier) TestConnection() error {
	if !e.configured() {
		return fmt.Errorf("SMTP not configured")
	}

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer client.Close()

	logging.Info().Str("addr", addr).Msg("SMTP connection test successful")
	return nil
}

func splitRecipients(to string) []string {
	var out []string
	for _, r := range strings.Split(to, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
