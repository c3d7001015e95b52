// Package loggw is a dry-run gateway that logs notifications instead of
// sending them.
package loggw

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"plantpal/internal/reminder"
	logx "plantpal/pkg/logx"
)

type Gateway struct {
	log logx.Logger
	seq atomic.Uint64
}

func New(log logx.Logger) *Gateway {
	return &Gateway{log: log}
}

func (g *Gateway) Send(ctx context.Context, n reminder.Notification) (reminder.Receipt, error) {
	id := g.seq.Add(1)
	g.log.Info("notification (dry run)",
		logx.String("message_id", n.IdempotencyKey),
		logx.String("channel", string(n.Channel)),
		logx.String("to", n.To),
		logx.String("title", n.Title),
		logx.String("body", n.Body),
		logx.Time("due_at", n.DueAt),
	)
	return reminder.Receipt{ProviderID: "dry-" + strconv.FormatUint(id, 10), To: n.To, SentAt: time.Now()}, nil
}

// Sent returns how many notifications were logged.
func (g *Gateway) Sent() uint64 { return g.seq.Load() }

