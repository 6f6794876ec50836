// Package mailer delivers notifications through an authenticated SMTP relay.
package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/noahxzhu/chrono-capsule/internal/model"
)

// Sender delivers one notification. A nil error means the relay accepted it.
type Sender interface {
	Send(ctx context.Context, n model.Notification) error
}

// SendError is a notification the relay refused or could not be handed to.
type SendError struct {
	To  string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.To, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Client sends one message per connection. With ImplicitTLS unset the
// session upgrades through STARTTLS when the relay offers it.
type Client struct {
	Address     string
	Password    string
	Host        string
	Port        int
	HTML        bool
	ImplicitTLS bool
	TLSConfig   *tls.Config

	now func() time.Time
}

func NewClient(address, password, host string, port int, html bool) *Client {
	return &Client{
		Address:  address,
		Password: password,
		Host:     host,
		Port:     port,
		HTML:     html,
		now:      time.Now,
	}
}

func (c *Client) Send(ctx context.Context, n model.Notification) error {
	if err := c.send(ctx, n); err != nil {
		return &SendError{To: n.To, Err: err}
	}
	return nil
}

func (c *Client) send(ctx context.Context, n model.Notification) error {
	msg, err := c.message(n)
	if err != nil {
		return err
	}

	opts := []mail.Option{
		mail.WithPort(c.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(c.Address),
		mail.WithPassword(c.Password),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if c.TLSConfig != nil {
		opts = append(opts, mail.WithTLSConfig(c.TLSConfig))
	}
	if c.ImplicitTLS {
		opts = append(opts, mail.WithSSL())
	}

	client, err := mail.NewClient(c.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

// message renders n. Addresses are parsed, so CR or LF in a recipient is
// rejected rather than written as a header.
func (c *Client) message(n model.Notification) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(c.Address); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if err := msg.To(n.To); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	msg.Subject(n.Subject)

	now := time.Now
	if c.now != nil {
		now = c.now
	}
	msg.SetDateWithValue(now())

	contentType := mail.TypeTextPlain
	if c.HTML {
		contentType = mail.TypeTextHTML
	}
	msg.SetBodyString(contentType, n.Body)
	return msg, nil
}
