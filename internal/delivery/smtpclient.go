package delivery

import (
	"context"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
)

// NetSMTPClient submits messages over a plain SMTP connection to addr,
// issuing one RCPT TO per recipient so each gets its own response
// code rather than failing the whole submission on one bad address.
type NetSMTPClient struct {
	Addr     string
	Hostname string // EHLO identity
}

func NewNetSMTPClient(addr, hostname string) *NetSMTPClient {
	return &NetSMTPClient{Addr: addr, Hostname: hostname}
}

func (c *NetSMTPClient) Submit(ctx context.Context, from string, recipients []string, data []byte) (map[string]RecipientOutcome, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	host, _, _ := net.SplitHostPort(c.Addr)
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := client.Hello(c.Hostname); err != nil {
		return nil, err
	}
	if err := client.Mail(from); err != nil {
		return nil, err
	}

	outcomes := make(map[string]RecipientOutcome, len(recipients))
	accepted := make([]string, 0, len(recipients))
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			outcomes[rcpt] = RecipientOutcome{Action: ActionFailed, Status: smtpErrorText(err)}
			continue
		}
		accepted = append(accepted, rcpt)
	}

	if len(accepted) == 0 {
		return outcomes, nil
	}

	w, err := client.Data()
	if err != nil {
		for _, rcpt := range accepted {
			outcomes[rcpt] = RecipientOutcome{Action: ActionDelayed, Status: smtpErrorText(err)}
		}
		return outcomes, nil
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		for _, rcpt := range accepted {
			outcomes[rcpt] = RecipientOutcome{Action: ActionDelayed, Status: smtpErrorText(err)}
		}
		return outcomes, nil
	}
	if err := w.Close(); err != nil {
		for _, rcpt := range accepted {
			outcomes[rcpt] = RecipientOutcome{Action: ActionDelayed, Status: smtpErrorText(err)}
		}
		return outcomes, nil
	}

	for _, rcpt := range accepted {
		outcomes[rcpt] = RecipientOutcome{Action: ActionDelivered, Status: "250 accepted"}
	}
	_ = client.Quit()
	return outcomes, nil
}

func smtpErrorText(err error) string {
	if tpErr, ok := err.(*textproto.Error); ok {
		return strconv.Itoa(tpErr.Code) + " " + tpErr.Msg
	}
	return err.Error()
}
