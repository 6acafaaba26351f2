package sender

import (
	"context"
	"time"

	"gopkg.in/mail.v2"

	"pricewatch/internal/infra/metrics"
)

// Email отправляет уведомления по SMTP.
type Email struct {
	host     string
	port     int
	username string
	password string
	from     string
}

// NewEmail создаёт SMTP-отправитель.
func NewEmail(host string, port int, username, password, from string) *Email {
	return &Email{host: host, port: port, username: username, password: password, from: from}
}

// Send отправляет уведомление на указанный адрес.
func (e *Email) Send(ctx context.Context, address string, raw []byte) error {
	subject, body, err := renderMessage(raw)
	if err != nil {
		return err
	}

	message := mail.NewMessage()
	message.SetHeader("From", e.from)
	message.SetHeader("To", address)
	message.SetHeader("Subject", subject)
	message.SetBody("text/plain", body)

	dialer := mail.NewDialer(e.host, e.port, e.username, e.password)

	// mail.v2 не принимает контекст, поэтому отправка идёт в отдельной горутине.
	done := make(chan error, 1)
	start := time.Now()
	go func() {
		done <- dialer.DialAndSend(message)
	}()
	select {
	case <-ctx.Done():
		metrics.ObserveNetworkRequest("smtp", "send", e.host, start, ctx.Err())
		return ctx.Err()
	case err := <-done:
		metrics.ObserveNetworkRequest("smtp", "send", e.host, start, err)
		return err
	}
}
