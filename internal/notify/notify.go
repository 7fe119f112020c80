package notify

import (
	"fmt"
	"log"
	"net"
	"net/smtp"
	"strings"

	"github.com/dmatos-eng/ingestd/internal/models"
)

// Notifier delivers terminal-outcome events. Implementations are
// fire-and-forget: delivery failures are logged, never returned, so a
// broken notifier can never block the orchestrator.
type Notifier interface {
	Notify(event models.Event)
}

// LogNotifier writes events to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(event models.Event) {
	log.Printf("ALERT [%s] %s (%s %s) event=%s: %s",
		event.Kind, event.Path, event.DatasetKey, event.Partition, event.ID, event.Details)
}

// Multi fans one event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(event models.Event) {
	for _, n := range m {
		n.Notify(event)
	}
}

// SMTPConfig holds the mail delivery settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// SMTPNotifier emails terminal-outcome alerts.
type SMTPNotifier struct {
	cfg SMTPConfig
}

func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg}
}

func (n *SMTPNotifier) Notify(event models.Event) {
	addr := net.JoinHostPort(n.cfg.Host, fmt.Sprintf("%d", n.cfg.Port))
	auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)

	subject := fmt.Sprintf("[%s] %s", event.Kind, event.Path)
	body := fmt.Sprintf(
		"Event:     %s\r\nFile:      %s\r\nDataset:   %s\r\nPartition: %s\r\nAt:        %s\r\n\r\n%s\r\n",
		event.ID, event.Path, event.DatasetKey, event.Partition,
		event.OccurredAt.Format("2006-01-02 15:04:05"), event.Details)

	msg := strings.Join([]string{
		"From: " + n.cfg.From,
		"To: " + strings.Join(n.cfg.To, ", "),
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")

	if err := smtp.SendMail(addr, auth, n.cfg.From, n.cfg.To, []byte(msg)); err != nil {
		log.Printf("WARN: failed to send alert for %s: %v", event.Path, err)
	}
}
