package bot

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"autotour/internal/runtime/supervisor"
	kit "autotour/internal/transport"
	logx "autotour/pkg/logx"
)

// Request is one parsed chat command.
type Request struct {
	ID      string
	Chat    kit.ChatTarget
	Tenant  string // Chat.String()
	FromID  int64
	Editor  string // FromID as a string
	Command string
	Verb    string
	Args    []string
	Owner   bool

	Logger logx.Logger
	Sender kit.Sender
}

// Reply sends text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.Sender == nil {
		return nil
	}
	_, err := r.Sender.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Timeout     time.Duration
	Handle      HandlerFunc
}

type DispatcherOption func(*Dispatcher)

func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueue(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = n
		}
	}
}

// Dispatcher routes chat commands to handlers on a bounded worker pool.
type Dispatcher struct {
	log     logx.Logger
	workers int
	queue   int

	mu     sync.RWMutex
	sender kit.Sender
	owners []int64
	cmds   map[string]Command
	menu   []Command

	runMu sync.Mutex
	sup   *supervisor.Supervisor
}

func NewDispatcher(log logx.Logger, sender kit.Sender, owners []int64, opts ...DispatcherOption) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	d := &Dispatcher{
		log:     log,
		workers: workers,
		queue:   256,
		sender:  sender,
		owners:  append([]int64(nil), owners...),
		cmds:    map[string]Command{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Register adds commands, replacing earlier ones with the same name.
func (d *Dispatcher) Register(cmds ...Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		d.cmds[name] = c
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				d.cmds[a] = c
			}
		}
		d.menu = slices.DeleteFunc(d.menu, func(m Command) bool { return m.Name == c.Name })
		d.menu = append(d.menu, c)
	}
}

// MenuCommands lists registered commands for the platform command menu.
func (d *Dispatcher) MenuCommands() []kit.BotCommand {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(d.menu))
	for _, c := range d.menu {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// SetOwners replaces the owner list. Safe during hot reload.
func (d *Dispatcher) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	d.mu.Lock()
	d.owners = cp
	d.mu.Unlock()
}

func (d *Dispatcher) SetSender(sender kit.Sender) {
	d.mu.Lock()
	d.sender = sender
	d.mu.Unlock()
}

func (d *Dispatcher) IsOwner(id int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Contains(d.owners, id)
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (d *Dispatcher) Supervisor() *supervisor.Supervisor {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	return d.sup
}

// DispatchLoop consumes updates until ctx ends or updates is closed.
func (d *Dispatcher) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(d.log),
		supervisor.WithCancelOnError(false),
	)
	jobs := make(chan func(), d.queue)
	d.runMu.Lock()
	d.sup = sup
	d.runMu.Unlock()

	d.log.Info("command dispatcher started", logx.Int("workers", d.workers), logx.Int("job_queue_cap", d.queue))

	for i := 0; i < d.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								d.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		close(jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		d.runMu.Lock()
		d.sup = nil
		d.runMu.Unlock()
		d.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			d.route(ctx, up, jobs)
		}
	}
}

func (d *Dispatcher) route(ctx context.Context, up kit.Update, jobs chan<- func()) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	name, args, ok := splitCommand(msg.Text)
	if !ok {
		return
	}

	d.mu.RLock()
	cmd, found := d.cmds[name]
	sender := d.sender
	owner := slices.Contains(d.owners, msg.FromID)
	d.mu.RUnlock()
	if !found {
		return
	}

	req := d.newRequest(msg, cmd, args, owner, sender)
	final := Chain(
		cmd.Handle,
		MWPanicRecover(d.log),
		MWRequestLog(d.log),
		MWTimeout(cmd.Timeout),
	)
	select {
	case jobs <- func() { _ = final(ctx, req) }:
	default:
		_ = req.Reply(ctx, "Busy, try again in a moment.")
	}
}

func (d *Dispatcher) newRequest(msg *kit.Message, cmd Command, args []string, owner bool, sender kit.Sender) *Request {
	target := msg.Target()
	verb := ""
	if len(args) > 0 {
		verb = strings.ToLower(args[0])
		args = args[1:]
	}
	rid := uuid.NewString()
	return &Request{
		ID:      rid,
		Chat:    target,
		Tenant:  target.String(),
		FromID:  msg.FromID,
		Editor:  strconv.FormatInt(msg.FromID, 10),
		Command: cmd.Name,
		Verb:    verb,
		Args:    args,
		Owner:   owner,
		Sender:  sender,
		Logger: d.log.With(
			logx.String("rid", rid),
			logx.String("tenant", target.String()),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
}
