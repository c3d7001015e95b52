// Package twiliogw sends reminder notifications as Twilio SMS or WhatsApp
// messages.
package twiliogw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"golang.org/x/time/rate"

	"plantpal/internal/clients/httpx"
	"plantpal/internal/phone"
	"plantpal/internal/reminder"
	"plantpal/internal/task/engine"
	logx "plantpal/pkg/logx"
)

type Config struct {
	AccountSID   string
	AuthToken    string
	From         string
	WhatsAppFrom string
	// RatePerSec caps outbound messages per process; 0 disables the limit.
	RatePerSec float64
	// Timezone renders the due time when a notification carries none.
	Timezone string
	// AlertTo receives log alerts sent through SendAlert.
	AlertTo string
	// HTTPTimeout bounds each API call; defaults to 30s.
	HTTPTimeout time.Duration
}

// messageCreator is the slice of the Twilio API the gateway uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Gateway implements reminder.Gateway and logx.AlertSender.
type Gateway struct {
	cfg     Config
	api     messageCreator
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Gateway, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("twiliogw: account sid and auth token are required")
	}
	if strings.TrimSpace(cfg.From) == "" && strings.TrimSpace(cfg.WhatsAppFrom) == "" {
		return nil, errors.New("twiliogw: a sender number is required")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
		Client: &twclient.Client{
			Credentials: twclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
			HTTPClient:  &http.Client{Timeout: timeout},
		},
	})
	return newGateway(cfg, c.Api, log), nil
}

func newGateway(cfg Config, api messageCreator, log logx.Logger) *Gateway {
	g := &Gateway{cfg: cfg, api: api, log: log}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return g
}

// Send creates one message. Twilio's client takes no context: ctx bounds the
// rate limiter wait and HTTPTimeout bounds the API call.
func (g *Gateway) Send(ctx context.Context, n reminder.Notification) (reminder.Receipt, error) {
	if strings.TrimSpace(n.To) == "" {
		return reminder.Receipt{}, engine.NoRetry(errors.New("twilio: empty destination"))
	}
	from, to := g.addresses(n.Channel, n.To)
	if from == "" {
		return reminder.Receipt{}, engine.NoRetry(fmt.Errorf("twilio: no sender configured for channel %s", n.Channel))
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return reminder.Receipt{}, fmt.Errorf("twilio: rate limit wait: %w", err)
		}
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(FormatBody(n, g.location(n.Timezone)))

	msg, err := g.api.CreateMessage(params)
	if err != nil {
		return reminder.Receipt{}, classify(err)
	}
	rc := reminder.Receipt{To: n.To, SentAt: time.Now()}
	if msg != nil && msg.Sid != nil {
		rc.ProviderID = *msg.Sid
	}
	g.log.Debug("twilio message created",
		logx.String("message_id", n.IdempotencyKey),
		logx.String("sid", rc.ProviderID),
		logx.String("channel", string(n.Channel)),
	)
	return rc, nil
}

// SendAlert texts a log alert to the configured operator number.
func (g *Gateway) SendAlert(ctx context.Context, msg string) error {
	to := strings.TrimSpace(g.cfg.AlertTo)
	if to == "" {
		return nil
	}
	from, to := g.addresses(reminder.ChannelSMS, to)
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(truncate(msg, 1500))
	_, err := g.api.CreateMessage(params)
	return err
}

func (g *Gateway) addresses(ch reminder.Channel, to string) (string, string) {
	if ch == reminder.ChannelWhatsApp {
		from := strings.TrimSpace(g.cfg.WhatsAppFrom)
		if from == "" {
			from = strings.TrimSpace(g.cfg.From)
		}
		if from == "" {
			return "", ""
		}
		return phone.WhatsApp(from), phone.WhatsApp(to)
	}
	return strings.TrimSpace(g.cfg.From), to
}

func (g *Gateway) location(tz string) *time.Location {
	for _, name := range []string{tz, g.cfg.Timezone} {
		if strings.TrimSpace(name) == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// classify maps Twilio API errors onto retry semantics.
func classify(err error) error {
	var re *twclient.TwilioRestError
	if errors.As(err, &re) {
		wrapped := fmt.Errorf("twilio %d (code %d): %s", re.Status, re.Code, re.Message)
		if re.Status == 0 {
			return wrapped
		}
		return httpx.ClassifyStatus(wrapped, re.Status, "")
	}
	return fmt.Errorf("twilio: %w", err)
}

// FormatBody renders the SMS text:
//
//	🌿 PlantPal Reminder 🌿
//	It's time to care for your Monstera!
//	🗓️ 01 Mar, 05:00 pm
//	💬 Note: south window
func FormatBody(n reminder.Notification, loc *time.Location) string {
	var b strings.Builder
	b.WriteString("🌿 PlantPal Reminder 🌿\n")
	b.WriteString("It's time to care for your ")
	b.WriteString(n.Title)
	b.WriteString("!\n🗓️ ")
	if n.DueAt.IsZero() {
		b.WriteString("now")
	} else {
		if loc == nil {
			loc = time.UTC
		}
		t := n.DueAt.In(loc)
		b.WriteString(t.Format("02 Jan, 03:04 "))
		b.WriteString(strings.ToLower(t.Format("PM")))
	}
	if notes := strings.TrimSpace(n.Body); notes != "" {
		b.WriteString("\n💬 Note: ")
		b.WriteString(notes)
	}
	return b.String()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
