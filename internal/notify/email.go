package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

const emailSessionTimeout = 30 * time.Second

type emailConfig struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	Format   string   `json:"format,omitempty"` // "text" (default) or "html"
}

// emailSender speaks SMTP directly so the whole session shares one
// deadline. smtp.SendMail has no timeout hook and a stuck MTA would pin
// a worker for good.
type emailSender struct {
	// dial is swappable in tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

func (s *emailSender) Send(ctx context.Context, payload models.AlertPayload, config models.JSONB) error {
	var cfg emailConfig
	if err := decodeChannelConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return faults.New(faults.KindPermanent, "email channel needs host, from and to")
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}

	subject := fmt.Sprintf("[%s] %s: %s", payload.SeverityLabel, payload.AlertType, payload.DeviceID)
	if payload.Test {
		subject = "[TEST] " + subject
	}
	msg, err := buildEmailMessage(cfg, subject, payload)
	if err != nil {
		return faults.Wrap(faults.KindPermanent, err)
	}

	dial := s.dial
	if dial == nil {
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, port)
	conn, err := dial(ctx, addr)
	if err != nil {
		return faults.Wrapf(faults.KindTransient, err, "dial smtp")
	}
	_ = conn.SetDeadline(time.Now().Add(emailSessionTimeout))

	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		return classifySMTPError("greeting", err)
	}
	defer func() { _ = c.Close() }()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			return classifySMTPError("starttls", err)
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := c.Auth(auth); err != nil {
			return classifySMTPError("auth", err)
		}
	}

	if err := c.Mail(cfg.From); err != nil {
		return classifySMTPError("mail from", err)
	}
	for _, rcpt := range cfg.To {
		if err := c.Rcpt(rcpt); err != nil {
			return classifySMTPError("rcpt to", err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return classifySMTPError("data", err)
	}
	if _, err := w.Write(msg); err != nil {
		return classifySMTPError("write", err)
	}
	if err := w.Close(); err != nil {
		return classifySMTPError("close", err)
	}
	if err := c.Quit(); err != nil {
		return classifySMTPError("quit", err)
	}
	return nil
}

// classifySMTPError maps SMTP reply codes onto retry semantics: 4xx
// replies are the server asking us to come back later, 5xx are final.
func classifySMTPError(stage string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 400 && tpErr.Code < 500 {
			return faults.Wrapf(faults.KindTransient, err, "smtp %s", stage)
		}
		if tpErr.Code >= 500 {
			return faults.Wrapf(faults.KindPermanent, err, "smtp %s", stage)
		}
	}
	return faults.Wrapf(faults.KindTransient, err, "smtp %s", stage)
}

// buildEmailMessage renders the RFC 5322 message. Text-only by default;
// format=html produces a multipart/alternative with a plain fallback.
func buildEmailMessage(cfg emailConfig, subject string, payload models.AlertPayload) ([]byte, error) {
	text := renderEmailText(payload)

	var buf bytes.Buffer
	writeHeader := func(k, v string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, sanitizeHeader(v))
	}
	writeHeader("From", cfg.From)
	writeHeader("To", strings.Join(cfg.To, ", "))
	writeHeader("Subject", subject)
	writeHeader("MIME-Version", "1.0")

	if cfg.Format != "html" {
		writeHeader("Content-Type", "text/plain; charset=UTF-8")
		buf.WriteString("\r\n")
		buf.WriteString(text)
		return buf.Bytes(), nil
	}

	html, err := renderEmailHTML(payload)
	if err != nil {
		return nil, err
	}

	// The boundary must be on the header line, so create the writer
	// before the blank separator but only write parts after it.
	mw := multipart.NewWriter(&buf)
	writeHeader("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=UTF-8"}})
	if err != nil {
		return nil, err
	}
	if _, err := part.Write([]byte(text)); err != nil {
		return nil, err
	}
	part, err = mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/html; charset=UTF-8"}})
	if err != nil {
		return nil, err
	}
	if _, err := part.Write([]byte(html)); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderEmailText(payload models.AlertPayload) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\r\n\r\n", payload.Summary)
	fmt.Fprintf(&sb, "Severity:  %s (%d)\r\n", payload.SeverityLabel, payload.Severity)
	fmt.Fprintf(&sb, "Type:      %s\r\n", payload.AlertType)
	fmt.Fprintf(&sb, "Device:    %s\r\n", payload.DeviceID)
	if payload.SiteID != "" {
		fmt.Fprintf(&sb, "Site:      %s\r\n", payload.SiteID)
	}
	fmt.Fprintf(&sb, "Event:     %s\r\n", payload.TriggerEvent)
	fmt.Fprintf(&sb, "Triggered: %s\r\n", payload.TriggeredAt.Format("2006-01-02 15:04:05 UTC"))
	if len(payload.Details) > 0 {
		sb.WriteString("\r\n")
		for _, key := range sortedKeys(payload.Details) {
			fmt.Fprintf(&sb, "%s: %v\r\n", key, payload.Details[key])
		}
	}
	return sb.String()
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func renderEmailHTML(payload models.AlertPayload) (string, error) {
	tpl, err := template.New("alert_email").Parse(alertEmailTemplate)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, payload); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

const alertEmailTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AlertType}} alert</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 640px; margin: 0 auto; padding: 24px;">
        <h2 style="color: #2c3e50;">[{{.SeverityLabel}}] {{.AlertType}}</h2>

        <div style="background-color: #f8f9fa; padding: 16px; border-radius: 6px; margin: 20px 0;">
            <p style="margin: 0;">{{.Summary}}</p>
        </div>

        <table style="width: 100%; border-collapse: collapse; margin-bottom: 20px;">
            <tr>
                <td style="padding: 8px; border-bottom: 1px solid #eee;"><strong>Device</strong></td>
                <td style="padding: 8px; border-bottom: 1px solid #eee;">{{.DeviceID}}</td>
            </tr>
            {{if .SiteID}}
            <tr>
                <td style="padding: 8px; border-bottom: 1px solid #eee;"><strong>Site</strong></td>
                <td style="padding: 8px; border-bottom: 1px solid #eee;">{{.SiteID}}</td>
            </tr>
            {{end}}
            <tr>
                <td style="padding: 8px; border-bottom: 1px solid #eee;"><strong>Event</strong></td>
                <td style="padding: 8px; border-bottom: 1px solid #eee;">{{.TriggerEvent}}</td>
            </tr>
            <tr>
                <td style="padding: 8px; border-bottom: 1px solid #eee;"><strong>Triggered</strong></td>
                <td style="padding: 8px; border-bottom: 1px solid #eee;">{{.TriggeredAt.Format "2006-01-02 15:04:05 UTC"}}</td>
            </tr>
        </table>

        {{if .Details}}
        <table style="width: 100%; border-collapse: collapse; margin-bottom: 20px;">
            {{range $key, $value := .Details}}
            <tr>
                <td style="padding: 8px; border-bottom: 1px solid #eee;"><strong>{{$key}}</strong></td>
                <td style="padding: 8px; border-bottom: 1px solid #eee;">{{$value}}</td>
            </tr>
            {{end}}
        </table>
        {{end}}

        {{if .Test}}
        <p style="color: #888;">This is a test notification.</p>
        {{end}}
    </div>
</body>
</html>
`
