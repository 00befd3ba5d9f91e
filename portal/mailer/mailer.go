// Package mailer sends upload notification emails. Delivery is strictly best
// effort: a portal request must never fail because the SMTP relay is down.
package mailer

import (
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/gomail.v2"
)

type Settings struct {
	Enabled  bool   `env:"EMAIL_NOTIFICATIONS_ENABLED" envDefault:"true"`
	Host     string `env:"SMTP_HOST"`
	Port     int    `env:"SMTP_PORT" envDefault:"587"`
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`
	Sender   string `env:"SMTP_SENDER"`
	AppName  string `env:"APP_NAME" envDefault:"File Exchange"`
}

type Mailer struct {
	settings Settings
}

func New(settings Settings) *Mailer {
	if settings.Sender == "" {
		settings.Sender = settings.Username
	}
	return &Mailer{settings: settings}
}

func (m *Mailer) configured() bool {
	return m.settings.Enabled && m.settings.Host != "" && m.settings.Sender != ""
}

// Upload describes a completed upload for notification purposes.
type Upload struct {
	Filename string
	Uploader string
	Urgency  string
	Stage    string
}

// NotifyFileUpload emails each recipient about a new upload. Failures are
// logged and swallowed.
func (m *Mailer) NotifyFileUpload(upload Upload, recipients []string) {
	if !m.configured() {
		slog.Info("email notifications disabled or unconfigured, skipping", "filename", upload.Filename)
		return
	}
	if len(recipients) == 0 {
		return
	}

	subject := fmt.Sprintf("[%s] New file uploaded: %s", m.settings.AppName, upload.Filename)

	var body strings.Builder
	fmt.Fprintf(&body, "A new file was uploaded to %s.\n\n", m.settings.AppName)
	fmt.Fprintf(&body, "File: %s\n", upload.Filename)
	fmt.Fprintf(&body, "Uploaded by: %s\n", upload.Uploader)
	if upload.Urgency != "" {
		fmt.Fprintf(&body, "Urgency: %s\n", upload.Urgency)
	}
	if upload.Stage != "" {
		fmt.Fprintf(&body, "Stage: %s\n", upload.Stage)
	}
	body.WriteString("\nLog in to the portal to review it.\n")

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.settings.Sender)
	msg.SetHeader("Bcc", recipients...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body.String())

	dialer := gomail.NewDialer(m.settings.Host, m.settings.Port, m.settings.Username, m.settings.Password)
	if err := dialer.DialAndSend(msg); err != nil {
		slog.Error("error sending upload notification", "filename", upload.Filename, "recipients", len(recipients), "error", err)
		return
	}

	slog.Info("sent upload notification", "filename", upload.Filename, "recipients", len(recipients))
}
