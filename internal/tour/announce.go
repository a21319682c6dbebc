package tour

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"autotour/internal/ruleset"
	kit "autotour/internal/transport"
	logx "autotour/pkg/logx"
	"autotour/pkg/tgui"
)

// Announcer announces a tournament in the room a rule belongs to. It
// implements scheduler.Action.
type Announcer struct {
	log logx.Logger

	mu       sync.Mutex
	sender   kit.Sender
	limiter  *rate.Limiter
	retryMax int
}

type AnnouncerOption func(*Announcer)

func WithAnnouncerLogger(log logx.Logger) AnnouncerOption {
	return func(a *Announcer) { a.log = log }
}

// WithRetry sets how many extra send attempts a failed announcement gets.
func WithRetry(n int) AnnouncerOption {
	return func(a *Announcer) {
		if n >= 0 {
			a.retryMax = n
		}
	}
}

// NewAnnouncer sends through sender at no more than ratePerSec messages per
// second across all rooms (<= 0 disables the limit).
func NewAnnouncer(sender kit.Sender, ratePerSec float64, opts ...AnnouncerOption) *Announcer {
	a := &Announcer{log: logx.Nop(), sender: sender, retryMax: 1}
	a.SetRate(ratePerSec)
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Announcer) SetRate(ratePerSec float64) {
	var lim *rate.Limiter
	if ratePerSec > 0 {
		burst := int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	a.mu.Lock()
	a.limiter = lim
	a.mu.Unlock()
}

func (a *Announcer) SetSender(sender kit.Sender) {
	a.mu.Lock()
	a.sender = sender
	a.mu.Unlock()
}

// Invoke renders and sends the announcement for params to tenant.
func (a *Announcer) Invoke(ctx context.Context, tenant string, params ruleset.Params) error {
	to, err := kit.ParseChatTarget(tenant)
	if err != nil {
		return err
	}
	s := FromParams(params)
	if s.Format == "" {
		return ErrNoFormat
	}

	a.mu.Lock()
	lim := a.limiter
	sender := a.sender
	retry := a.retryMax
	a.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("announce %s: no sender", tenant)
	}

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	text := Render(s)
	var last error
	for i := 0; i <= retry; i++ {
		_, err := sender.SendText(ctx, to, text, &kit.SendOptions{ParseMode: tgui.ParseMode, DisablePreview: true})
		if err == nil {
			return nil
		}
		last = err
		if i == retry {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		a.log.Debug("announce retry scheduled",
			logx.String("tenant", tenant),
			logx.Int("attempt", i+2),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-tmr.C:
		}
	}
	return fmt.Errorf("announce %s: %w", tenant, last)
}

const maxFormatRunes = 100

// Render is the announcement for s, as Telegram HTML.
func Render(s Settings) string {
	title := "Creating " + tgui.B(tgui.Trunc(s.Format, maxFormatRunes)) + " tournament..."
	return tgui.Lines(title, tgui.I(Summary(s))).String()
}
