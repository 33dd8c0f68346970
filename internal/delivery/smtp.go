package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/miekg/dns"

	"github.com/mosacloud/messages-sub001/internal/utils"
)

// Outcome is the per-recipient result of one transmission attempt.
type Outcome struct {
	Delivered bool
	Retry     bool
	Error     string
}

// Transmitter pushes a message to external recipients. The returned map has
// one entry per address; relayHost overrides MX resolution when non-empty.
type Transmitter interface {
	Transmit(ctx context.Context, from string, addrs []string, raw []byte, relayHost string) map[string]Outcome
}

type mxRecord struct {
	host     string
	priority uint16
}

// SMTPTransmitter delivers over SMTP, either through a configured relay or
// directly to the recipient domain's MX hosts.
type SMTPTransmitter struct {
	HelloDomain    string
	RelayHost      string
	DNSServer      string
	ConnectTimeout time.Duration
	SubmitTimeout  time.Duration
	Log            *slog.Logger
}

func NewSMTPTransmitter(helloDomain, relayHost string, connectTimeout, submitTimeout time.Duration, log *slog.Logger) *SMTPTransmitter {
	return &SMTPTransmitter{
		HelloDomain:    helloDomain,
		RelayHost:      relayHost,
		DNSServer:      "8.8.8.8:53",
		ConnectTimeout: connectTimeout,
		SubmitTimeout:  submitTimeout,
		Log:            log,
	}
}

func (t *SMTPTransmitter) Transmit(ctx context.Context, from string, addrs []string, raw []byte, relayHost string) map[string]Outcome {
	out := make(map[string]Outcome, len(addrs))

	relay := relayHost
	if relay == "" {
		relay = t.RelayHost
	}
	if relay != "" {
		t.transmitVia(ctx, relay, from, addrs, raw, out)
		return out
	}

	// Direct mode: recipients are grouped per domain and each group is
	// handed to that domain's MX hosts in priority order.
	byDomain := make(map[string][]string)
	for _, addr := range addrs {
		domain := utils.GetDomainFromEmail(addr)
		byDomain[domain] = append(byDomain[domain], addr)
	}

	for domain, group := range byDomain {
		records, err := t.lookupMX(domain)
		if err != nil || len(records) == 0 {
			msg := fmt.Sprintf("no MX host for %s", domain)
			if err != nil {
				msg = fmt.Sprintf("MX lookup for %s: %v", domain, err)
			}
			for _, addr := range group {
				out[addr] = Outcome{Retry: true, Error: msg}
			}
			continue
		}

		for _, mx := range records {
			host := strings.TrimSuffix(mx.host, ".")
			t.transmitVia(ctx, host+":25", from, group, raw, out)
			// Stop at the first host that accepted the session; outcomes
			// for rejected recipients are already recorded.
			if sessionReached(out, group) {
				break
			}
		}
	}
	return out
}

// sessionReached reports whether the last attempt got far enough to produce
// a definitive outcome for at least one recipient in the group.
func sessionReached(out map[string]Outcome, group []string) bool {
	for _, addr := range group {
		o, ok := out[addr]
		if ok && (o.Delivered || !o.Retry) {
			return true
		}
	}
	return false
}

// transmitVia runs one SMTP session against host and records an outcome for
// every address in addrs.
func (t *SMTPTransmitter) transmitVia(ctx context.Context, host, from string, addrs []string, raw []byte, out map[string]Outcome) {
	fail := func(err error) {
		retry := isTransient(err)
		for _, addr := range addrs {
			if o, ok := out[addr]; ok && (o.Delivered || !o.Retry) {
				continue
			}
			out[addr] = Outcome{Retry: retry, Error: err.Error()}
		}
	}

	c, err := smtp.Dial(host)
	if err != nil {
		fail(fmt.Errorf("connecting to %s: %w", host, err))
		return
	}
	defer c.Close()
	c.CommandTimeout = t.ConnectTimeout
	c.SubmissionTimeout = t.SubmitTimeout

	if t.HelloDomain != "" {
		if err := c.Hello(t.HelloDomain); err != nil {
			fail(fmt.Errorf("HELO to %s: %w", host, err))
			return
		}
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		serverName, _, _ := strings.Cut(host, ":")
		if err := c.StartTLS(&tls.Config{ServerName: serverName}); err != nil {
			fail(fmt.Errorf("STARTTLS with %s: %w", host, err))
			return
		}
	}
	if err := c.Mail(from, nil); err != nil {
		fail(fmt.Errorf("MAIL FROM at %s: %w", host, err))
		return
	}

	accepted := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if err := c.Rcpt(addr, nil); err != nil {
			out[addr] = Outcome{Retry: isTransient(err), Error: err.Error()}
			t.Log.Warn("recipient rejected", "host", host, "address", addr, "error", err)
			continue
		}
		accepted = append(accepted, addr)
	}
	if len(accepted) == 0 {
		return
	}

	w, err := c.Data()
	if err != nil {
		fail(fmt.Errorf("DATA at %s: %w", host, err))
		return
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		fail(fmt.Errorf("writing message to %s: %w", host, err))
		return
	}
	if err := w.Close(); err != nil {
		fail(fmt.Errorf("finishing message at %s: %w", host, err))
		return
	}

	for _, addr := range accepted {
		out[addr] = Outcome{Delivered: true}
	}
	c.Quit()
}

// isTransient treats 4xx replies and transport failures as retryable and
// 5xx replies as permanent.
func isTransient(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code >= 400 && smtpErr.Code < 500
	}
	return true
}

func (t *SMTPTransmitter) lookupMX(domain string) ([]mxRecord, error) {
	client := &dns.Client{Timeout: t.ConnectTimeout}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeMX)

	resp, _, err := client.Exchange(msg, t.DNSServer)
	if err != nil {
		return nil, fmt.Errorf("querying MX for %s: %w", domain, err)
	}

	var records []mxRecord
	for _, answer := range resp.Answer {
		if mx, ok := answer.(*dns.MX); ok {
			records = append(records, mxRecord{host: mx.Mx, priority: mx.Preference})
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].priority < records[j].priority
	})
	return records, nil
}
