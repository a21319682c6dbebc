package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"autotour/internal/configstore"
	"autotour/internal/eventbus"
	"autotour/internal/recurrence"
	"autotour/internal/ruleset"
	"autotour/internal/scheduler"
	"autotour/internal/storage"
	"autotour/internal/tour"
)

// Rules is the editing side of the config store.
type Rules interface {
	Committed(tenant string) ruleset.RuleSet
	BeginEdit(editor, tenant string) configstore.Session
	Session(editor string) (configstore.Session, bool)
	Mutate(editor string, op ruleset.Op) (ruleset.RuleSet, error)
	CommitEdit(ctx context.Context, editor string) (configstore.Session, error)
	CancelEdit(editor string) bool
}

// Schedules reports live scheduler state.
type Schedules interface {
	Status(tenant string) (scheduler.Snapshot, bool)
}

// History reads the audit trail.
type History interface {
	RecentAudit(ctx context.Context, tenant string, limit int) ([]storage.AuditEntry, error)
}

const historyLimit = 10

type AutotourOption func(*Autotour)

func WithHistory(h History) AutotourOption { return func(a *Autotour) { a.history = h } }

func WithBus(bus eventbus.Bus) AutotourOption { return func(a *Autotour) { a.bus = bus } }

func WithClock(now func() time.Time) AutotourOption {
	return func(a *Autotour) {
		if now != nil {
			a.now = now
		}
	}
}

// Autotour implements the /autotour command.
type Autotour struct {
	rules   Rules
	sched   Schedules
	history History
	bus     eventbus.Bus
	now     func() time.Time

	mu       sync.RWMutex
	defaults tour.Defaults
	loc      *time.Location
}

func NewAutotour(rules Rules, sched Schedules, opts ...AutotourOption) *Autotour {
	a := &Autotour{
		rules:    rules,
		sched:    sched,
		now:      time.Now,
		defaults: tour.StandardDefaults,
		loc:      time.Local,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Autotour) SetDefaults(d tour.Defaults) {
	a.mu.Lock()
	a.defaults = d
	a.mu.Unlock()
}

func (a *Autotour) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	a.mu.Lock()
	a.loc = loc
	a.mu.Unlock()
}

func (a *Autotour) location() *time.Location {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.loc
}

// Command wraps the handler for registration with a Dispatcher.
func (a *Autotour) Command(timeout time.Duration) Command {
	return Command{
		Name:        "autotour",
		Aliases:     []string{"at"},
		Description: "scheduled tournaments for this chat",
		Timeout:     timeout,
		Handle:      a.Handle,
	}
}

func isEditVerb(verb string) bool {
	switch verb {
	case "edit", "add", "delete", "set", "clear", "cron", "save", "cancel":
		return true
	}
	return false
}

// Handle dispatches one /autotour request by verb.
func (a *Autotour) Handle(ctx context.Context, req *Request) error {
	if isEditVerb(req.Verb) && !req.Owner {
		return req.Reply(ctx, "Only bot owners can edit auto tours.")
	}

	var (
		reply string
		err   error
	)
	switch req.Verb {
	case "", "check":
		reply = a.check(req)
	case "config", "show":
		reply = a.show(req)
	case "rules":
		reply, err = a.describe(req)
	case "edit":
		a.ensureSession(req)
		reply = a.show(req)
	case "add":
		reply, err = a.add(req)
	case "delete":
		reply, err = a.mutateAt(req, func(i int) ruleset.Op { return ruleset.DeleteRule{Index: i} })
	case "set":
		reply, err = a.set(req)
	case "clear":
		reply, err = a.clear(req)
	case "cron":
		reply, err = a.cron(req)
	case "save":
		reply, err = a.save(ctx, req)
	case "cancel":
		if a.rules.CancelEdit(req.Editor) {
			reply = "Edit discarded."
		} else {
			reply = "No edit in progress."
		}
	case "history":
		reply, err = a.historyText(ctx, req)
	case "help":
		reply = usage
	default:
		reply = "Unknown subcommand.\n" + usage
	}

	if err != nil {
		msg, handled := userMessage(err)
		_ = req.Reply(ctx, msg)
		if handled {
			return nil
		}
		return err
	}
	return req.Reply(ctx, reply)
}

const usage = `Usage:
/autotour [check] - next scheduled tour
/autotour config - list tours (your draft while editing)
/autotour rules <i> - tour rules of entry i
/autotour edit - start editing this chat's tours
/autotour add - append a tour (daily at the default time)
/autotour delete <i>
/autotour set <i> <minute|hour|day> <value>
/autotour set <i> <format|playercap|autostart|autodq> <value>
/autotour set <i> <forcetimer|allowscouting> <on|off|toggle>
/autotour clear <i> <hour|day>
/autotour cron <i> <min hour * * dow>
/autotour save | cancel
/autotour history - recent commits and firings`

// userMessage maps err to a chat reply. handled is false for failures that
// should also be logged as request errors.
func userMessage(err error) (msg string, handled bool) {
	switch {
	case errors.Is(err, ruleset.ErrOutOfRange):
		return "No such entry. See /autotour config.", true
	case errors.Is(err, ruleset.ErrInvalidValue), errors.Is(err, recurrence.ErrInvalid), errors.Is(err, errUsage):
		return "Invalid input: " + err.Error(), true
	case errors.Is(err, configstore.ErrNoSession):
		return "No edit in progress. Start with /autotour edit.", true
	case errors.Is(err, configstore.ErrPersistence):
		return "Could not save; your draft is kept. Try /autotour save again.", false
	}
	return "Something went wrong: " + err.Error(), false
}

var errUsage = errors.New("usage")

func usageErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// view is the rule set a user looks at: their draft while editing this
// tenant, otherwise the committed set.
func (a *Autotour) view(req *Request) (ruleset.RuleSet, bool) {
	if s, ok := a.rules.Session(req.Editor); ok && s.Tenant == req.Tenant {
		return s.Draft, true
	}
	return a.rules.Committed(req.Tenant), false
}

func (a *Autotour) ensureSession(req *Request) configstore.Session {
	if s, ok := a.rules.Session(req.Editor); ok && s.Tenant == req.Tenant {
		return s
	}
	return a.rules.BeginEdit(req.Editor, req.Tenant)
}

func (a *Autotour) check(req *Request) string {
	snap, ok := a.sched.Status(req.Tenant)
	if !ok || len(snap.Pending) == 0 {
		if req.Owner {
			return a.show(req)
		}
		return "There is no auto tour configured in this chat."
	}
	head := snap.Pending[0]
	format := tour.FromParams(head.Rule.Params).Format
	if format == "" {
		format = "(no format)"
	}
	at := head.Next.In(a.location())
	return fmt.Sprintf("Next tour: %s at %s (%s)", format, at.Format("Mon 2006-01-02 15:04 MST"), humanize.RelTime(at, a.now(), "ago", "from now"))
}

func (a *Autotour) show(req *Request) string {
	rs, draft := a.view(req)
	var b strings.Builder
	if draft {
		b.WriteString("Auto tours (draft, not saved):\n")
	} else {
		b.WriteString("Auto tours:\n")
	}
	if len(rs) == 0 {
		b.WriteString("There is no auto tour configured in this chat.")
	}
	for i, r := range rs {
		s := tour.FromParams(r.Params)
		format := s.Format
		if format == "" {
			format = "(no format)"
		}
		fmt.Fprintf(&b, "%d. %s - %s - %s\n", i, format, r.Timing, tour.Summary(s))
	}
	if draft {
		b.WriteString("\n/autotour save to apply, /autotour cancel to discard.")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Autotour) describe(req *Request) (string, error) {
	i, err := indexArg(req.Args)
	if err != nil {
		return "", err
	}
	rs, _ := a.view(req)
	if i >= len(rs) {
		return "", fmt.Errorf("%w: %d", ruleset.ErrOutOfRange, i)
	}
	s := tour.FromParams(rs[i].Params)
	return fmt.Sprintf("%d. %s\n%s", i, s.Format, tour.Describe(s)), nil
}

func (a *Autotour) add(req *Request) (string, error) {
	sess := a.ensureSession(req)
	a.mu.RLock()
	d := a.defaults
	a.mu.RUnlock()
	if _, err := a.rules.Mutate(req.Editor, ruleset.AddRule{Rule: tour.DefaultRule(sess.Draft, d)}); err != nil {
		return "", err
	}
	return a.show(req), nil
}

func (a *Autotour) mutateAt(req *Request, op func(i int) ruleset.Op) (string, error) {
	i, err := indexArg(req.Args)
	if err != nil {
		return "", err
	}
	a.ensureSession(req)
	if _, err := a.rules.Mutate(req.Editor, op(i)); err != nil {
		return "", err
	}
	return a.show(req), nil
}

func (a *Autotour) set(req *Request) (string, error) {
	if len(req.Args) < 3 {
		return "", usageErr("set <i> <field> <value>")
	}
	i, err := indexArg(req.Args)
	if err != nil {
		return "", err
	}
	name := strings.ToLower(req.Args[1])
	value := strings.Join(req.Args[2:], " ")

	sess := a.ensureSession(req)
	var op ruleset.Op
	if f, ferr := recurrence.ParseField(name); ferr == nil {
		op = ruleset.SetFieldText{Index: i, Field: f, Raw: value}
	} else if tour.IsKey(name) {
		if strings.EqualFold(strings.TrimSpace(value), "toggle") {
			if i >= len(sess.Draft) {
				return "", fmt.Errorf("%w: %d", ruleset.ErrOutOfRange, i)
			}
			if value, err = tour.Toggle(sess.Draft[i].Params, name); err != nil {
				return "", usageErr("%v", err)
			}
		}
		op = ruleset.SetParam{Index: i, Key: name, Value: value}
	} else {
		return "", usageErr("unknown field %q", name)
	}
	if _, err := a.rules.Mutate(req.Editor, op); err != nil {
		return "", err
	}
	return a.show(req), nil
}

func (a *Autotour) clear(req *Request) (string, error) {
	if len(req.Args) < 2 {
		return "", usageErr("clear <i> <hour|day>")
	}
	f, err := recurrence.ParseField(req.Args[1])
	if err != nil {
		return "", usageErr("%v", err)
	}
	return a.mutateAt(req, func(i int) ruleset.Op { return ruleset.ClearField{Index: i, Field: f} })
}

func (a *Autotour) cron(req *Request) (string, error) {
	if len(req.Args) < 2 {
		return "", usageErr("cron <i> <expr>")
	}
	spec, err := recurrence.ParseCron(strings.Join(req.Args[1:], " "))
	if err != nil {
		return "", err
	}
	return a.mutateAt(req, func(i int) ruleset.Op { return ruleset.SetTiming{Index: i, Spec: spec} })
}

func (a *Autotour) save(ctx context.Context, req *Request) (string, error) {
	sess, ok := a.rules.Session(req.Editor)
	if !ok || sess.Tenant != req.Tenant {
		return "Nothing to save.", nil
	}
	done, err := a.rules.CommitEdit(ctx, req.Editor)
	if err != nil && !errors.Is(err, configstore.ErrDraftChanged) {
		return "", err
	}
	if a.bus != nil {
		a.bus.Publish(eventbus.Event{
			Type:   eventbus.RulesCommitted,
			Tenant: done.Tenant,
			Time:   a.now(),
			Data:   Committed{Editor: req.Editor, Rules: len(done.Draft)},
		})
	}
	if err != nil {
		return "Auto tour config updated, but the draft changed while saving. /autotour save again to apply the latest edits.", nil
	}
	return "Auto tour config updated.", nil
}

// Committed is the payload of rules.committed events.
type Committed struct {
	Editor string
	Rules  int
}

func (a *Autotour) historyText(ctx context.Context, req *Request) (string, error) {
	if a.history == nil {
		return "History is not available.", nil
	}
	entries, err := a.history.RecentAudit(ctx, req.Tenant, historyLimit)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No history yet.", nil
	}
	now := a.now()
	var b strings.Builder
	b.WriteString("Recent activity:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %s", humanize.RelTime(e.At, now, "ago", "from now"), e.Action)
		if e.Actor != "" {
			fmt.Fprintf(&b, " by %s", e.Actor)
		}
		if e.Detail != "" {
			fmt.Fprintf(&b, ": %s", e.Detail)
		}
		if e.Error != "" {
			fmt.Fprintf(&b, " (error: %s)", e.Error)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func indexArg(args []string) (int, error) {
	if len(args) == 0 {
		return 0, usageErr("missing entry number")
	}
	i, err := strconv.Atoi(args[0])
	if err != nil || i < 0 {
		return 0, usageErr("bad entry number %q", args[0])
	}
	return i, nil
}
