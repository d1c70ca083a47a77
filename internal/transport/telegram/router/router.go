package router

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "heraldbot/internal/runtime/supervisor"
	"heraldbot/internal/transport"
	logx "heraldbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

// Command is one slash command. Names must be Telegram-safe ([a-z0-9_]).
type Command struct {
	Name        string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update  transport.Update
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string

	Adapter  transport.Adapter
	Logger   logx.Logger
	Services *Services
	AdminIDs []int64
}

// Reply sends a plain text response into the requesting chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.Adapter.SendText(ctx, r.Chat.ChatID, text, &transport.SendOptions{DisablePreview: true})
}

// Router consumes adapter updates, matches slash commands and runs their
// handlers on a bounded worker pool.
type Router struct {
	mu     sync.RWMutex
	cmds   map[string]Command
	order  []string
	admins []int64

	log     logx.Logger
	adapter transport.Adapter
	serv    *Services

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func New(log logx.Logger, ad transport.Adapter, serv *Services, admins []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cmds:    map[string]Command{},
		admins:  append([]int64(nil), admins...),
		log:     log,
		adapter: ad,
		serv:    serv,
		jobs:    make(chan func(), 256),
	}
}

// Supervisor returns the router's internal supervisor (nil if not running).
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

func (r *Router) setSupervisor(sup *rtsup.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// SetAdmins updates the admin list used for AccessAdminOnly checks.
// Safe to call during hot-reload.
func (r *Router) SetAdmins(admins []int64) {
	cp := append([]int64(nil), admins...)
	r.mu.Lock()
	r.admins = cp
	r.mu.Unlock()
}

func (r *Router) adminsSnapshot() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]int64(nil), r.admins...)
}

// SetRegistry replaces the command set. /help is always injected.
func (r *Router) SetRegistry(cmds []Command) {
	all := append([]Command(nil), cmds...)
	all = append(all, Command{
		Name:        "help",
		Description: "show available commands",
		Usage:       "/help [cmd]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText(req.Args))
		},
	})

	m := make(map[string]Command, len(all))
	order := make([]string, 0, len(all))
	for _, c := range all {
		name := strings.TrimSpace(strings.ToLower(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		if _, dup := m[name]; dup {
			r.log.Warn("duplicate command ignored", logx.String("cmd", name))
			continue
		}
		m[name] = c
		order = append(order, name)
	}
	sort.Strings(order)

	r.mu.Lock()
	r.cmds = m
	r.order = order
	r.mu.Unlock()
}

func (r *Router) commandsSnapshot() (map[string]Command, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cmds, r.order
}

func (r *Router) helpText(args []string) string {
	cmds, order := r.commandsSnapshot()

	if len(args) > 0 {
		name := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(args[0])), "/")
		if c, ok := cmds[name]; ok {
			var b strings.Builder
			fmt.Fprintf(&b, "/%s — %s\n", c.Name, c.Description)
			if c.Usage != "" {
				fmt.Fprintf(&b, "usage: %s\n", c.Usage)
			}
			return strings.TrimRight(b.String(), "\n")
		}
		return "unknown command: " + name
	}

	var b strings.Builder
	b.WriteString("commands:\n")
	for _, name := range order {
		c := cmds[name]
		fmt.Fprintf(&b, "/%s — %s\n", c.Name, c.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// syncMenu pushes the registered command list to the platform menu.
func (r *Router) syncMenu(ctx context.Context) {
	up, ok := r.adapter.(transport.CommandMenuUpdater)
	if !ok {
		return
	}
	cmds, order := r.commandsSnapshot()
	menu := make([]transport.BotCommand, 0, len(order))
	for _, name := range order {
		menu = append(menu, transport.BotCommand{Command: name, Description: cmds[name].Description})
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(cctx, menu); err != nil {
		r.log.Warn("menu sync failed", logx.Err(err))
	}
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being
// closed during shutdown).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// Run consumes updates until ctx is done or the channel closes.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	r.setSupervisor(sup, true)
	if r.serv != nil && r.serv.Supervisors != nil {
		r.serv.Supervisors.Set("telegram.router", sup)
	}

	r.log.Info("command router started",
		logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	// Best-effort platform menu sync; runs once per start.
	sup.Go0("menu.sync", func(c context.Context) { r.syncMenu(c) })

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			// Mark as not running before closing so enqueue degrades gracefully.
			r.setSupervisor(sup, false)
			close(r.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					// Middleware already recovers; keep the worker alive anyway.
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job",
									logx.Int("worker", idx),
									logx.Any("panic", rec),
									logx.String("stack", string(debug.Stack())),
								)
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
		)
	}

	defer func() {
		closeJobs()
		// Wait briefly for workers to drain.
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		if r.serv != nil && r.serv.Supervisors != nil {
			r.serv.Supervisors.Delete("telegram.router")
		}
		r.setSupervisor(nil, false)
		r.log.Info("command router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("command router stopped (updates channel closed)")
				return nil
			}
			if up.Kind == transport.UpdateMessage {
				r.routeMessage(ctx, up)
			}
		}
	}
}

func (r *Router) routeMessage(root context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	args := parts[1:]

	cmds, _ := r.commandsSnapshot()
	cmd, ok := cmds[word]
	if !ok {
		_ = r.adapter.SendText(root, msg.ChatID, "unknown command, try /help", nil)
		return
	}

	admins := r.adminsSnapshot()
	if cmd.Access == AccessAdminOnly && !isAdmin(msg.FromID, admins) {
		_ = r.adapter.SendText(root, msg.ChatID, "unauthorized", nil)
		return
	}

	rid := uuid.NewString()[:8]
	reqLog := r.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", cmd.Name),
	)

	req := &Request{
		Update:   up,
		Chat:     transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:   msg.FromID,
		Command:  cmd.Name,
		Args:     args,
		ReqID:    rid,
		Adapter:  r.adapter,
		Logger:   reqLog,
		Services: r.serv,
		AdminIDs: admins,
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(cmd.Timeout),
	)

	if !r.tryEnqueue(func() { _ = final(root, req) }) {
		_ = r.adapter.SendText(root, req.Chat.ChatID, "busy, try again", nil)
	}
}

func isAdmin(id int64, admins []int64) bool {
	for _, a := range admins {
		if a == id {
			return true
		}
	}
	return false
}
