// Package command implements scoped command dispatch: a typed command table,
// a line parser, and the queue through which engines instruct each other.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/narvanalabs/fleet-engine/internal/models"
)

// Scope says where a command may run.
type Scope string

const (
	// ScopeEngine commands run only on the engine that owns the queue.
	ScopeEngine Scope = "engine"
	// ScopeClient commands run only in a console process.
	ScopeClient Scope = "client"
	// ScopeAny commands run anywhere.
	ScopeAny Scope = "any"
	// ScopeCLI is accepted as an alias of ScopeClient.
	ScopeCLI Scope = "cli"
)

func (s Scope) normalize() Scope {
	if s == ScopeCLI {
		return ScopeClient
	}
	return s
}

// Allows reports whether a command declared with scope s may run in context from.
func (s Scope) Allows(from Scope) bool {
	s = s.normalize()
	return s == ScopeAny || s == from.normalize()
}

// ArgKind is the type of a positional argument.
type ArgKind int

const (
	// String is a single whitespace-free token.
	String ArgKind = iota
	// Int is a base-10 integer token.
	Int
	// Rest takes the remainder of the line, whitespace included. It must be
	// the last argument.
	Rest
)

func (k ArgKind) String() string {
	switch k {
	case String:
		return "string"
	case Int:
		return "int"
	case Rest:
		return "rest"
	default:
		return "unknown"
	}
}

// Arg declares one positional argument.
type Arg struct {
	Name string
	Kind ArgKind
}

// Common errors returned by dispatch.
var (
	ErrUnknownCommand      = errors.New("unknown command")
	ErrScopeViolation      = errors.New("command not allowed in this scope")
	ErrEmptyCommand        = errors.New("empty command")
	ErrInvalidRegistration = errors.New("invalid command registration")
)

// ArgumentError reports an argument that is missing, extra or of the wrong type.
type ArgumentError struct {
	Command string
	Arg     string
	Value   string
	Reason  string
}

func (e *ArgumentError) Error() string {
	if e.Arg == "" {
		return fmt.Sprintf("%s: %s", e.Command, e.Reason)
	}
	if e.Value == "" {
		return fmt.Sprintf("%s: argument %s: %s", e.Command, e.Arg, e.Reason)
	}
	return fmt.Sprintf("%s: argument %s %q: %s", e.Command, e.Arg, e.Value, e.Reason)
}

// Args holds parsed argument values.
type Args struct {
	names  []string
	values []any
}

// String returns the named string or rest argument.
func (a Args) String(name string) string {
	v, _ := a.get(name).(string)
	return v
}

// Int returns the named int argument.
func (a Args) Int(name string) int {
	v, _ := a.get(name).(int)
	return v
}

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a.values)
}

func (a Args) get(name string) any {
	for i, n := range a.names {
		if n == name {
			return a.values[i]
		}
	}
	return nil
}

// Call is one invocation passed to a handler.
type Call struct {
	Name string
	Args Args
	// Command is the queued command being executed, or the zero value for
	// commands typed locally.
	Command models.Command
	Scope   Scope
}

// Handler executes a command and returns its output.
type Handler func(ctx context.Context, call *Call) (string, error)

// Descriptor is one entry of the command table.
type Descriptor struct {
	Name    string
	Help    string
	Args    []Arg
	Scope   Scope
	Handler Handler
}

// Usage returns "name <arg> <arg...>".
func (d *Descriptor) Usage() string {
	var b strings.Builder
	b.WriteString(d.Name)
	for _, a := range d.Args {
		b.WriteString(" <")
		b.WriteString(a.Name)
		if a.Kind == Rest {
			b.WriteString("...")
		}
		b.WriteString(">")
	}
	return b.String()
}

// Registry is a command table.
type Registry struct {
	mu     sync.RWMutex
	cmds   map[string]*Descriptor
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{cmds: make(map[string]*Descriptor), logger: logger}
}

// Register adds a command. Names are unique, a handler is required and a
// Rest argument may only come last.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" || strings.IndexFunc(d.Name, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: bad name %q", ErrInvalidRegistration, d.Name)
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidRegistration, d.Name)
	}
	switch d.Scope.normalize() {
	case ScopeEngine, ScopeClient, ScopeAny:
	default:
		return fmt.Errorf("%w: %s has unknown scope %q", ErrInvalidRegistration, d.Name, d.Scope)
	}
	for i, a := range d.Args {
		if a.Kind == Rest && i != len(d.Args)-1 {
			return fmt.Errorf("%w: %s: rest argument %s must be last", ErrInvalidRegistration, d.Name, a.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.cmds[d.Name]; dup {
		return fmt.Errorf("%w: %s registered twice", ErrInvalidRegistration, d.Name)
	}
	r.cmds[d.Name] = &d
	return nil
}

// MustRegister registers commands and panics on a bad table.
func (r *Registry) MustRegister(ds ...Descriptor) {
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the named command.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.cmds[name]
	return d, ok
}

// Commands returns the table sorted by name.
func (r *Registry) Commands() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.cmds))
	for _, d := range r.cmds {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Help lists the commands runnable from scope.
func (r *Registry) Help(from Scope) string {
	var b strings.Builder
	for _, d := range r.Commands() {
		if !d.Scope.Allows(from) {
			continue
		}
		fmt.Fprintf(&b, "%-40s %s\n", d.Usage(), d.Help)
	}
	return b.String()
}

// Parse splits a command line and coerces its arguments.
func (r *Registry) Parse(line string) (*Descriptor, Args, error) {
	name, rest := nextToken(line)
	if name == "" {
		return nil, Args{}, ErrEmptyCommand
	}
	d, ok := r.Lookup(name)
	if !ok {
		return nil, Args{}, fmt.Errorf("%q: %w", name, ErrUnknownCommand)
	}

	args := Args{names: make([]string, 0, len(d.Args)), values: make([]any, 0, len(d.Args))}
	for _, a := range d.Args {
		var tok string
		if a.Kind == Rest {
			tok, rest = strings.TrimSpace(rest), ""
		} else {
			tok, rest = nextToken(rest)
		}
		if tok == "" {
			return nil, Args{}, &ArgumentError{Command: name, Arg: a.Name, Reason: "missing"}
		}

		var v any = tok
		if a.Kind == Int {
			n, err := strconv.Atoi(tok)
			if err != nil {
				return nil, Args{}, &ArgumentError{Command: name, Arg: a.Name, Value: tok, Reason: "not an integer"}
			}
			v = n
		}
		args.names = append(args.names, a.Name)
		args.values = append(args.values, v)
	}
	if extra := strings.TrimSpace(rest); extra != "" {
		return nil, Args{}, &ArgumentError{Command: name, Value: extra, Reason: fmt.Sprintf("unexpected arguments %q (usage: %s)", extra, d.Usage())}
	}
	return d, args, nil
}

// nextToken returns the first whitespace-delimited token and the remainder.
func nextToken(s string) (string, string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

// Execute parses line and runs it in scope from. Validation failures are
// returned without running the handler; a panicking handler is reported as
// an error.
func (r *Registry) Execute(ctx context.Context, line string, from Scope, queued models.Command) (out string, err error) {
	d, args, err := r.Parse(line)
	if err != nil {
		return "", err
	}
	if !d.Scope.Allows(from) {
		return "", fmt.Errorf("%s is a %s command, cannot run from %s: %w", d.Name, d.Scope, from, ErrScopeViolation)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("command handler panic", "command", d.Name, "panic", rec)
			err = fmt.Errorf("%s: handler panic: %v", d.Name, rec)
		}
	}()
	return d.Handler(ctx, &Call{Name: d.Name, Args: args, Command: queued, Scope: from.normalize()})
}
