// Package console is the interactive operator shell of syncctl.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/UniQw/searchsync"
	"github.com/ergochat/readline"
)

// ErrUsage is returned for malformed commands.
var ErrUsage = errors.New("usage")

// Controller is the processing surface driven by the console.
type Controller interface {
	Health(ctx context.Context) (*searchsync.Health, error)
	ForceProcess(ctx context.Context) (*searchsync.BatchResult, error)
	ForceCleanup(ctx context.Context) (searchsync.CleanupResult, error)
	ForceReset(ctx context.Context) (searchsync.ResetResult, error)
}

// Env wires the console to a deployment. Wake and Migrate are optional.
type Env struct {
	Worker  Controller
	Client  *searchsync.Client
	Wake    func(ctx context.Context, payload string) error
	Migrate func(ctx context.Context) error
}

// Console parses and runs operator commands.
type Console struct {
	env Env
	out io.Writer
	rl  *readline.Instance
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("health"),
	readline.PcItem("tasks",
		readline.PcItem("pending"),
		readline.PcItem("claimed"),
		readline.PcItem("dead"),
	),
	readline.PcItem("retry"),
	readline.PcItem("delete"),

	readline.PcItem("process"),
	readline.PcItem("cleanup"),
	readline.PcItem("reset"),

	readline.PcItem("resync",
		readline.PcItem("items"),
		readline.PcItem(string(searchsync.MasterCategory)),
		readline.PcItem(string(searchsync.MasterTag)),
		readline.PcItem(string(searchsync.MasterVariant)),
		readline.PcItem(string(searchsync.MasterOwner)),
		readline.PcItem(string(searchsync.MasterFile)),
	),
	readline.PcItem("resync-all"),
	readline.PcItem("wake"),
	readline.PcItem("migrate"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

const helpText = `commands:
  health                      queue health snapshot
  tasks <pending|claimed|dead> list tasks in claim order
  retry <id>                  give a dead task a fresh retry budget
  delete <id>                 remove a pending or dead task
  process [n]                 run up to n batches (default 1)
  cleanup                     purge dead tasks and reset stuck claims
  reset                       emergency reset of every claimed task
  resync <kind> <id>          queue a rebuild (kind: items, categories, tags, variants, users, files)
  resync-all                  queue a rebuild of every item
  wake [payload]              publish a wake-up signal
  migrate                     apply the database schema
  exit                        leave the console
`

// New creates a console writing results to out.
func New(env Env, out io.Writer) *Console {
	return &Console{env: env, out: out}
}

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// Open attaches an interactive readline terminal.
func (c *Console) Open(historyFile string) (err error) {
	c.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "sync> ",
		HistoryFile:     historyFile,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	c.rl.CaptureExitSignal()
	return
}

func (c *Console) Close() error {
	if c.rl != nil {
		_ = c.rl.Close()
		c.rl = nil
	}
	return nil
}

// Run reads and executes lines until exit, EOF or ctx is done. Command
// errors are printed and do not stop the loop.
func (c *Console) Run(ctx context.Context) error {
	if c.rl == nil {
		return errors.New("console: not open")
	}
	for ctx.Err() == nil {
		line, err := c.rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		err = c.Exec(ctx, line)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			_, _ = fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
	return ctx.Err()
}

// Exec runs one command line. It returns io.EOF for exit.
func (c *Console) Exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help":
		_, err := io.WriteString(c.out, helpText)
		return err
	case "exit", "quit":
		return io.EOF
	case "health":
		return c.health(ctx)
	case "tasks":
		return c.tasks(ctx, args)
	case "retry":
		return c.onTask(ctx, args, "retry", c.env.Client.RetryDead)
	case "delete":
		return c.onTask(ctx, args, "delete", c.env.Client.DeleteTask)
	case "process":
		return c.process(ctx, args)
	case "cleanup":
		res, err := c.env.Worker.ForceCleanup(ctx)
		if err != nil {
			return err
		}
		return c.print(res)
	case "reset":
		res, err := c.env.Worker.ForceReset(ctx)
		if err != nil {
			return err
		}
		return c.print(res)
	case "resync":
		return c.resync(ctx, args)
	case "resync-all":
		n, err := c.env.Client.ResyncAll(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.out, "queued %d items\n", n)
		return err
	case "wake":
		return c.wake(ctx, args)
	case "migrate":
		if c.env.Migrate == nil {
			return errors.New("migrate: not available for this store")
		}
		if err := c.env.Migrate(ctx); err != nil {
			return err
		}
		_, err := io.WriteString(c.out, "schema applied\n")
		return err
	default:
		return fmt.Errorf("command unknown: %s", cmd)
	}
}

func (c *Console) health(ctx context.Context) error {
	h, err := c.env.Worker.Health(ctx)
	if err != nil {
		return err
	}
	return c.print(h)
}

func (c *Console) tasks(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: tasks <pending|claimed|dead>", ErrUsage)
	}
	status, err := searchsync.ParseStatus(args[0])
	if err != nil {
		return err
	}
	ts, err := c.env.Client.ListTasks(ctx, status, nil)
	if err != nil {
		return err
	}
	for _, t := range ts {
		_, _ = fmt.Fprintf(c.out, "%s  %-16s %-24s op=%-6s prio=%d retry=%d/%d queued=%s",
			t.ID, t.Type, t.Key(), t.Operation, t.Priority, t.RetryCount, t.MaxRetries, t.QueuedAt.Format("2006-01-02T15:04:05Z07:00"))
		if t.WorkerID != "" {
			_, _ = fmt.Fprintf(c.out, " worker=%s", t.WorkerID)
		}
		if t.LastError != "" {
			_, _ = fmt.Fprintf(c.out, " err=%q", t.LastError)
		}
		_, _ = fmt.Fprintln(c.out)
	}
	_, err = fmt.Fprintf(c.out, "%d %s tasks\n", len(ts), status)
	return err
}

func (c *Console) onTask(ctx context.Context, args []string, verb string, fn func(context.Context, string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: %s <id>", ErrUsage, verb)
	}
	if err := fn(ctx, args[0]); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.out, "%s %s: ok\n", verb, args[0])
	return err
}

func (c *Console) process(ctx context.Context, args []string) error {
	n := 1
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return fmt.Errorf("%w: process [n]", ErrUsage)
		}
		n = v
	}
	total := searchsync.BatchResult{}
	for i := 0; i < n; i++ {
		res, err := c.env.Worker.ForceProcess(ctx)
		if err != nil {
			return err
		}
		total.WorkerID = res.WorkerID
		total.TasksClaimed += res.TasksClaimed
		total.TasksProcessed += res.TasksProcessed
		total.TasksFailed += res.TasksFailed
		total.EntitiesUpserted += res.EntitiesUpserted
		total.EntitiesDeleted += res.EntitiesDeleted
		total.DurationMs += res.DurationMs
		total.Duration += res.Duration
		if res.TasksClaimed == 0 {
			break
		}
	}
	return c.print(total)
}

func (c *Console) resync(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: resync <kind> <id>", ErrUsage)
	}
	var (
		t   *searchsync.Task
		err error
	)
	if args[0] == "items" {
		t, err = c.env.Client.ResyncEntity(ctx, args[1])
	} else {
		t, err = c.env.Client.ResyncTarget(ctx, searchsync.MasterKind(args[0]), args[1])
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "queued %s %s (prio=%d)\n", t.ID, t.Key(), t.Priority)
	return err
}

func (c *Console) wake(ctx context.Context, args []string) error {
	if c.env.Wake == nil {
		return errors.New("wake: no signal transport configured")
	}
	payload := "manual"
	if len(args) > 0 {
		payload = strings.Join(args, " ")
	}
	if err := c.env.Wake(ctx, payload); err != nil {
		return err
	}
	_, err := io.WriteString(c.out, "wake-up sent\n")
	return err
}

func (c *Console) print(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "%s\n", b)
	return err
}
