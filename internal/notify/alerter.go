// ABOUTME: Terminal-failure alerts: renders and emails one message per failed job.
// ABOUTME: Hook adapts an Alerter to a queue pool's OnTerminal callback.
package notify

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/Odenhjalm/Aveli-sub000/internal/queue"
)

// sendTimeout bounds one alert delivery; the calling worker slot waits on it.
const sendTimeout = 15 * time.Second

// SendFunc delivers a rendered email.
type SendFunc func(ctx context.Context, recipients []string, subject, htmlBody, textBody string) error

// Alerter emails terminal job failures.
type Alerter struct {
	recipients []string
	send       SendFunc
	log        *slog.Logger
	host       string
}

// NewAlerter creates an Alerter that sends through SMTP. It returns nil when
// there are no recipients; a nil *Alerter ignores every failure.
func NewAlerter(cfg SMTPConfig, recipients []string, logger *slog.Logger) *Alerter {
	return NewAlerterWithSender(recipients, func(ctx context.Context, to []string, subject, html, text string) error {
		return EmailSend(ctx, cfg, to, subject, html, text)
	}, logger)
}

// NewAlerterWithSender creates an Alerter with a custom delivery function.
func NewAlerterWithSender(recipients []string, send SendFunc, logger *slog.Logger) *Alerter {
	if len(recipients) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	return &Alerter{recipients: recipients, send: send, log: logger, host: host}
}

// Failure describes one terminally failed job.
type Failure struct {
	Queue    string
	JobID    string
	Attempts int
	Err      error
}

// NotifyFailure renders and sends an alert. Delivery errors are logged, not
// returned: an alert must never affect job settlement.
func (a *Alerter) NotifyFailure(ctx context.Context, f Failure) {
	if a == nil {
		return
	}
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	subject, html, text, err := RenderFailure(FailureTemplateData{
		Queue:     f.Queue,
		JobID:     f.JobID,
		Attempts:  f.Attempts,
		Permanent: queue.IsPermanent(f.Err),
		Error:     msg,
		At:        time.Now(),
		Host:      a.host,
	})
	if err != nil {
		a.log.Error("render failure alert", "queue", f.Queue, "job_id", f.JobID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := a.send(ctx, a.recipients, subject, html, text); err != nil {
		a.log.Error("send failure alert", "queue", f.Queue, "job_id", f.JobID, "error", err)
		return
	}
	a.log.Info("failure alert sent", "queue", f.Queue, "job_id", f.JobID, "recipients", len(a.recipients))
}

// Hook returns an OnTerminal callback for a pool named queueName.
func Hook[J queue.Job](a *Alerter, queueName string) func(ctx context.Context, job J, err error) {
	return func(ctx context.Context, job J, err error) {
		a.NotifyFailure(ctx, Failure{
			Queue:    queueName,
			JobID:    job.JobID().String(),
			Attempts: job.Attempts() + 1,
			Err:      err,
		})
	}
}
