// Package console is the operator console: a line-oriented shell that reads
// fleet state from an engine and queues commands for any engine.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/fleet-engine/internal/command"
	"github.com/narvanalabs/fleet-engine/internal/models"
)

// ErrCommandFailed is returned by send when the target engine reports failure.
var ErrCommandFailed = errors.New("command failed")

// Console runs client-scope commands against an engine.
type Console struct {
	client   *Client
	registry *command.Registry
	sender   string
	logger   *slog.Logger

	// Wait bounds how long send waits for an acknowledgement. Zero returns
	// as soon as the command is queued.
	Wait time.Duration
	poll time.Duration
}

// New creates a console backed by client.
func New(client *Client, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Console{
		client:   client,
		registry: command.NewRegistry(logger),
		sender:   "console-" + uuid.NewString(),
		logger:   logger,
		Wait:     30 * time.Second,
		poll:     250 * time.Millisecond,
	}
	c.registry.MustRegister(c.commands()...)
	return c
}

// Sender returns the ID this console signs its commands with.
func (c *Console) Sender() string {
	return c.sender
}

// Exec runs one line.
func (c *Console) Exec(ctx context.Context, line string) (string, error) {
	return c.registry.Execute(ctx, line, command.ScopeClient, models.Command{})
}

// Run reads lines from in until EOF, "exit" or ctx is done, writing results
// and errors to out.
func (c *Console) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "exit", "quit":
			return nil
		default:
			res, err := c.Exec(ctx, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			} else if res != "" {
				fmt.Fprint(out, strings.TrimRight(res, "\n")+"\n")
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func (c *Console) commands() []command.Descriptor {
	return []command.Descriptor{
		{Name: "engines", Help: "list engines", Scope: command.ScopeClient, Handler: c.engines},
		{Name: "disks", Help: "list disks", Scope: command.ScopeClient, Handler: c.disks},
		{Name: "apps", Help: "list apps", Scope: command.ScopeClient, Handler: c.apps},
		{Name: "instances", Help: "list instances", Scope: command.ScopeClient, Handler: c.instances},
		{Name: "networks", Help: "list appnets and their members", Scope: command.ScopeClient, Handler: c.networks},
		{Name: "links", Help: "list the connected engine's links", Scope: command.ScopeClient, Handler: c.links},
		{
			Name:    "send",
			Help:    "queue a command for an engine",
			Args:    []command.Arg{{Name: "engineId", Kind: command.String}, {Name: "command", Kind: command.Rest}},
			Scope:   command.ScopeClient,
			Handler: c.send,
		},
		{
			Name:  "help",
			Help:  "list commands",
			Scope: command.ScopeAny,
			Handler: func(_ context.Context, call *command.Call) (string, error) {
				return c.registry.Help(call.Scope), nil
			},
		},
	}
}

func table(write func(w io.Writer)) string {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	write(tw)
	tw.Flush()
	return b.String()
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func since(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.Since(time.UnixMilli(ms)).Round(time.Second).String() + " ago"
}

func (c *Console) engines(ctx context.Context, _ *command.Call) (string, error) {
	st, err := c.client.State(ctx)
	if err != nil {
		return "", err
	}
	return table(func(w io.Writer) {
		fmt.Fprintln(w, "ID\tHOSTNAME\tVERSION\tLAST RUN\tDISKS\tPENDING")
		for _, e := range st.Engines {
			self := ""
			if e.ID == st.EngineID {
				self = " *"
			}
			fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\t%d\t%d\n", e.ID, self, e.Hostname, e.Version, since(e.LastRun), len(e.DiskIDs()), len(e.PendingCommands()))
		}
	}), nil
}

func (c *Console) disks(ctx context.Context, _ *command.Call) (string, error) {
	st, err := c.client.State(ctx)
	if err != nil {
		return "", err
	}
	return table(func(w io.Writer) {
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tDOCKED TO\tDEVICE\tAPPS\tINSTANCES")
		for _, d := range st.Disks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n", d.ID, d.Name, d.Type, orDash(d.DockedTo), orDash(d.Device), len(d.AppIDs()), len(d.InstanceIDs()))
		}
	}), nil
}

func (c *Console) apps(ctx context.Context, _ *command.Call) (string, error) {
	st, err := c.client.State(ctx)
	if err != nil {
		return "", err
	}
	return table(func(w io.Writer) {
		fmt.Fprintln(w, "ID\tNAME\tVERSION\tTITLE")
		for _, a := range st.Apps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Version, a.Title)
		}
	}), nil
}

func (c *Console) instances(ctx context.Context, _ *command.Call) (string, error) {
	st, err := c.client.State(ctx)
	if err != nil {
		return "", err
	}
	return table(func(w io.Writer) {
		fmt.Fprintln(w, "ID\tNAME\tAPP\tSTATUS\tPORT\tDISK")
		for _, i := range st.Instances {
			port := "-"
			if i.Port != 0 {
				port = fmt.Sprint(i.Port)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", i.ID, i.Name, i.InstanceOf, i.Status, port, i.StoredOn)
		}
	}), nil
}

func (c *Console) networks(ctx context.Context, _ *command.Call) (string, error) {
	st, err := c.client.State(ctx)
	if err != nil {
		return "", err
	}
	return table(func(w io.Writer) {
		fmt.Fprintln(w, "NAME\tENGINES\tINSTANCES")
		for _, n := range st.Networks {
			fmt.Fprintf(w, "%s\t%s\t%d\n", n.Name, strings.Join(n.EngineIDs(), ","), len(models.SetMembers(n.Instances)))
		}
	}), nil
}

func (c *Console) links(ctx context.Context, _ *command.Call) (string, error) {
	links, err := c.client.Links(ctx)
	if err != nil {
		return "", err
	}
	return table(func(w io.Writer) {
		fmt.Fprintln(w, "NETWORK\tADDRESS\tENGINE\tSTATUS\tFAILURES")
		for _, l := range links {
			engineID := l.EngineID
			if engineID == "" {
				engineID = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", l.Network, l.Address, engineID, l.Status, l.Failures)
		}
	}), nil
}

func (c *Console) send(ctx context.Context, call *command.Call) (string, error) {
	engineID := call.Args.String("engineId")
	st, err := c.client.Send(ctx, engineID, call.Args.String("command"), c.sender)
	if err != nil {
		return "", err
	}
	c.logger.Debug("command queued", "engine_id", engineID, "command_id", st.Command.ID)
	if c.Wait <= 0 {
		return fmt.Sprintf("queued %s for %s", st.Command.ID, engineID), nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.Wait)
	defer cancel()
	ack, err := c.client.Wait(waitCtx, engineID, st.Command.ID, c.poll)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("queued %s for %s; no reply yet", st.Command.ID, engineID), nil
	}
	if err != nil {
		return "", err
	}
	if !ack.OK {
		return "", fmt.Errorf("%s: %w: %s", engineID, ErrCommandFailed, ack.Output)
	}
	return ack.Output, nil
}
