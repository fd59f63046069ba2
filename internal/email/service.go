// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new email service
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	// Simple multipart message
	boundary := "boundary-kiwidesk"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	// HTML part
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// PatchTransitionData holds data for the patch notification template
type PatchTransitionData struct {
	AppName      string
	UserName     string
	ContractName string
	FieldName    string
	FromStatus   string
	ToStatus     string
	PatchURL     string
}

// RFIAssignedData holds data for the RFI assignment template
type RFIAssignedData struct {
	AppName      string
	UserName     string
	ContractName string
	Question     string
	RFIURL       string
}

// SendPatchTransitionEmail notifies the next actor in a patch workflow.
func (s *Service) SendPatchTransitionEmail(to, userName, contractName, fieldName, fromStatus, toStatus, patchURL string) error {
	data := PatchTransitionData{
		AppName:      "Kiwidesk",
		UserName:     userName,
		ContractName: contractName,
		FieldName:    fieldName,
		FromStatus:   fromStatus,
		ToStatus:     toStatus,
		PatchURL:     patchURL,
	}

	subject := fmt.Sprintf("Patch for %s moved to %s", contractName, toStatus)
	html, err := renderTemplate(patchTransitionEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render patch transition template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendRFIAssignedEmail notifies an assignee about a new RFI.
func (s *Service) SendRFIAssignedEmail(to, userName, contractName, question, rfiURL string) error {
	data := RFIAssignedData{
		AppName:      "Kiwidesk",
		UserName:     userName,
		ContractName: contractName,
		Question:     question,
		RFIURL:       rfiURL,
	}

	subject := fmt.Sprintf("RFI assigned to you: %s", contractName)
	html, err := renderTemplate(rfiAssignedEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render rfi assigned template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendRFIAnsweredEmail sends the answer back to the RFI author. Plain text,
// the answer is quoted verbatim.
func (s *Service) SendRFIAnsweredEmail(to, userName, contractName, answer string) error {
	subject := fmt.Sprintf("RFI answered: %s", contractName)
	body := fmt.Sprintf("Hi %s,\n\nYour RFI on %s was answered:\n\n%s\n", userName, contractName, answer)
	return s.SendEmail([]string{to}, subject, body)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const patchTransitionEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Patch update from {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0b7a3f; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0b7a3f; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .meta { background: #f4f6f4; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.UserName}},</h2>

    <p>A patch request on <strong>{{.ContractName}}</strong> needs your attention.</p>

    <div class="meta">
        <p>Field: <strong>{{.FieldName}}</strong></p>
        <p>Status: {{.FromStatus}} &rarr; <strong>{{.ToStatus}}</strong></p>
    </div>

    <p>
        <a href="{{.PatchURL}}" class="button">Review Patch</a>
    </p>

    <div class="footer">
        <p>You are receiving this because you are an approver on this workspace.</p>
    </div>
</body>
</html>`

const rfiAssignedEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>RFI assigned in {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0b7a3f; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0b7a3f; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .quote { background: #f4f6f4; padding: 12px; border-left: 3px solid #0b7a3f; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.UserName}},</h2>

    <p>An RFI on <strong>{{.ContractName}}</strong> was assigned to you:</p>

    <div class="quote">{{.Question}}</div>

    <p>
        <a href="{{.RFIURL}}" class="button">Answer RFI</a>
    </p>

    <div class="footer">
        <p>If this assignment looks wrong, reply to the workspace admin.</p>
    </div>
</body>
</html>`
