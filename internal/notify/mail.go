package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"strings"

	mail "github.com/go-mail/mail"
	"go.uber.org/zap"

	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

// MailConfig configura las alertas por SMTP a administradores.
type MailConfig struct {
	Host               string
	Port               int
	From               string
	User               string
	Pass               string
	TLSMode            string // "auto" | "starttls" | "ssl" | "none"
	InsecureSkipVerify bool
	To                 []string
	MinSeverity        Severity
}

// sender abstrae *mail.Dialer para tests.
type sender interface {
	DialAndSend(m ...*mail.Message) error
}

// Mail envía por SMTP los eventos con severidad >= MinSeverity.
type Mail struct {
	cfg    MailConfig
	dialer sender
	log    *zap.Logger
}

// NewMail crea el notifier SMTP.
func NewMail(cfg MailConfig) *Mail {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Pass)
	d.TLSConfig = &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.InsecureSkipVerify, // sólo dev
	}
	switch cfg.TLSMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.TLSConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	default:
		// "auto"/"starttls": go-mail negocia STARTTLS si corresponde
	}
	return &Mail{cfg: cfg, dialer: d, log: logger.Named("notify.mail")}
}

func (n *Mail) Notify(ctx context.Context, ev Event) error {
	if ev.Severity < n.cfg.MinSeverity || len(n.cfg.To) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := mail.NewMessage()
	m.SetHeader("From", n.cfg.From)
	m.SetHeader("To", n.cfg.To...)
	m.SetHeader("Subject", subject(ev))
	m.SetBody("text/plain", body(ev))

	if err := n.dialer.DialAndSend(m); err != nil {
		n.log.Error("smtp send failed", zap.String("event", string(ev.Kind)), logger.Err(err))
		return fmt.Errorf("smtp send: %w", err)
	}
	n.log.Info("smtp alert sent", zap.String("event", string(ev.Kind)), zap.Strings("to", n.cfg.To))
	return nil
}

func subject(ev Event) string {
	return fmt.Sprintf("[edgesync][%s] %s", strings.ToUpper(ev.Severity.String()), ev.Kind)
}

func body(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", ev.Message)
	fmt.Fprintf(&b, "event:    %s\n", ev.Kind)
	fmt.Fprintf(&b, "severity: %s\n", ev.Severity)
	if !ev.At.IsZero() {
		fmt.Fprintf(&b, "at:       %s\n", ev.At.UTC().Format("2006-01-02T15:04:05Z07:00"))
	}
	if ev.SecretID != "" {
		fmt.Fprintf(&b, "secret:   %s (%s)\n", ev.SecretID, ev.SecretType)
	}
	if ev.EdgeNodeID != "" {
		fmt.Fprintf(&b, "node:     %s %s\n", ev.EdgeNodeID, ev.ServerID)
	}
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, ev.Fields[k])
	}
	return b.String()
}
