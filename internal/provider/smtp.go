package provider

import (
	"context"
	"fmt"
	"strconv"

	"github.com/wneessen/go-mail"
)

// smtpEmail implements sdk.Email over a go-mail client. The client dials
// per send; ping establishes and closes a connection to verify reachability.
type smtpEmail struct {
	client *mail.Client
}

func openSMTP(ctx context.Context, config map[string]string) (*driver, error) {
	host := config["host"]
	if host == "" {
		return nil, fmt.Errorf("email config requires a host")
	}
	opts := []mail.Option{mail.WithPort(587)}
	if raw := config["port"]; raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("smtp port %q: %w", raw, err)
		}
		opts = append(opts, mail.WithPort(port))
	}
	if user := config["user"]; user != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(user),
			mail.WithPassword(config["password"]))
	}
	if config["tls"] == "false" {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}

	ping := func(ctx context.Context) error {
		if err := client.DialWithContext(ctx); err != nil {
			return err
		}
		return client.Close()
	}
	if err := ping(ctx); err != nil {
		return nil, fmt.Errorf("dial smtp %s: %w", host, err)
	}
	return &driver{
		client: &smtpEmail{client: client},
		ping:   ping,
		close:  func() { _ = client.Close() },
	}, nil
}

func (e *smtpEmail) Send(ctx context.Context, from string, to []string, subject, body string, isHTML bool) error {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return err
	}
	if err := msg.To(to...); err != nil {
		return err
	}
	msg.Subject(subject)
	if isHTML {
		msg.SetBodyString(mail.TypeTextHTML, body)
	} else {
		msg.SetBodyString(mail.TypeTextPlain, body)
	}
	return e.client.DialAndSendWithContext(ctx, msg)
}
