// Package notify posts a summary to Telegram when a session finalizes.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"volley/internal/dispatch"
	"volley/internal/eventbus"
	logx "volley/pkg/logx"
)

// Target is where summaries go. ThreadID selects a forum topic.
type Target struct {
	ChatID   int64
	ThreadID int
}

// Sender delivers one text message.
type Sender interface {
	Send(ctx context.Context, to Target, text string) error
}

type Config struct {
	Token      string
	Target     Target
	RatePerSec float64
	Timeout    time.Duration
}

// Notifier subscribes to session completions and forwards a formatted summary.
type Notifier struct {
	sender  Sender
	to      Target
	log     logx.Logger
	limiter *rate.Limiter
	timeout time.Duration

	handled atomic.Uint64
}

// NewTelegram builds a Notifier backed by a telebot client. The bot never
// polls; it is used only for outgoing messages.
func NewTelegram(cfg Config, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notify: telegram token is empty")
	}
	if cfg.Target.ChatID == 0 {
		return nil, errors.New("notify: chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	return New(telegramSender{bot: b}, cfg, log), nil
}

// New wraps any Sender. A zero RatePerSec means one message per second.
func New(s Sender, cfg Config, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		sender:  s,
		to:      cfg.Target,
		log:     log.With(logx.String("comp", "notify")),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		timeout: timeout,
	}
}

// Run forwards session.completed events until ctx is done.
func (n *Notifier) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.TopicSessionCompleted {
				continue
			}
			se, ok := ev.Data.(dispatch.SessionEvent)
			if !ok || se.Summary == nil {
				continue
			}
			if err := n.Notify(ctx, *se.Summary); err != nil && ctx.Err() == nil {
				n.log.Warn("notify.send_failed", logx.String("session_id", se.SessionID), logx.Err(err))
			}
			n.handled.Add(1)
		}
	}
}

// WaitHandled blocks until Run has processed at least n completed sessions
// or ctx is done.
func (n *Notifier) WaitHandled(ctx context.Context, want uint64) bool {
	t := time.NewTicker(25 * time.Millisecond)
	defer t.Stop()
	for n.handled.Load() < want {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
	return true
}

// Notify sends one summary, waiting on the rate limiter first.
func (n *Notifier) Notify(ctx context.Context, s dispatch.Summary) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.sender.Send(sctx, n.to, FormatSummary(s)); err != nil {
		return err
	}
	n.log.Debug("notify.sent", logx.String("session_id", s.SessionID), logx.Int64("chat_id", n.to.ChatID))
	return nil
}

// FormatSummary renders the plain-text message body.
func FormatSummary(s dispatch.Summary) string {
	var b strings.Builder
	icon := "✅"
	switch {
	case s.State == dispatch.StateStopped:
		icon = "⏹"
	case s.Sent > 0 && s.SuccessRate < 50:
		icon = "⚠️"
	}
	fmt.Fprintf(&b, "%s Session %s %s\n", icon, shortID(s.SessionID), s.State)
	fmt.Fprintf(&b, "Target: %s\n", s.TargetURL)
	fmt.Fprintf(&b, "Sent %d/%d  ok %d  failed %d\n", s.Sent, s.Total, s.Successful, s.Failed)
	if s.RetryQueued > 0 {
		fmt.Fprintf(&b, "Retried %d, recovered %d\n", s.RetryQueued, s.Recovered)
	}
	fmt.Fprintf(&b, "Success %.1f%%  %.2f req/s\n", s.SuccessRate, s.AvgRate)
	fmt.Fprintf(&b, "Tier %s  device %s  width %d\n", s.Tier, s.Device, s.Concurrency)
	fmt.Fprintf(&b, "Elapsed %s  p95 %s", s.Elapsed.Round(time.Second), s.P95Latency.Round(time.Millisecond))
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type telegramSender struct {
	bot *tele.Bot
}

// Send ignores ctx beyond an early check; telebot has no per-call context.
func (t telegramSender) Send(ctx context.Context, to Target, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: to.ChatID}, text, &tele.SendOptions{
		ThreadID:              to.ThreadID,
		DisableWebPagePreview: true,
	})
	return err
}
