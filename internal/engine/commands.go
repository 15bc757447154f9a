package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/narvanalabs/fleet-engine/internal/command"
)

// registerCommands installs the commands other engines and consoles may
// queue for this engine.
func (e *Engine) registerCommands(r *command.Registry) error {
	instanceArg := command.Arg{Name: "instanceId", Kind: command.String}
	diskArg := command.Arg{Name: "diskId", Kind: command.String}

	table := []command.Descriptor{
		{
			Name:    "startInstance",
			Help:    "allocate a port, create and start an instance",
			Args:    []command.Arg{instanceArg, diskArg},
			Scope:   command.ScopeEngine,
			Handler: e.cmdStartInstance,
		},
		{
			Name:    "runInstance",
			Help:    "bring an instance's containers up",
			Args:    []command.Arg{instanceArg},
			Scope:   command.ScopeEngine,
			Handler: e.cmdRunInstance,
		},
		{
			Name:    "stopInstance",
			Help:    "bring an instance's containers down",
			Args:    []command.Arg{instanceArg},
			Scope:   command.ScopeEngine,
			Handler: e.cmdStopInstance,
		},
		{
			Name: "createInstance",
			Help: "create a new instance of an app on a disk and start it",
			Args: []command.Arg{
				{Name: "appId", Kind: command.String},
				diskArg,
				{Name: "name", Kind: command.String},
			},
			Scope:   command.ScopeEngine,
			Handler: e.cmdCreateInstance,
		},
		{
			Name:    "ejectDisk",
			Help:    "stop a disk's instances and unmount it",
			Args:    []command.Arg{diskArg},
			Scope:   command.ScopeEngine,
			Handler: e.cmdEjectDisk,
		},
		{
			Name:    "rescanDisk",
			Help:    "register the apps and instances on a docked disk again",
			Args:    []command.Arg{diskArg},
			Scope:   command.ScopeEngine,
			Handler: e.cmdRescanDisk,
		},
		{
			Name: "connect",
			Help: "link to another engine on an appnet",
			Args: []command.Arg{
				{Name: "network", Kind: command.String},
				{Name: "address", Kind: command.String},
			},
			Scope:   command.ScopeEngine,
			Handler: e.cmdConnect,
		},
		{
			Name:    "ping",
			Help:    "reply with this engine's ID",
			Scope:   command.ScopeAny,
			Handler: e.cmdPing,
		},
		{
			Name:  "help",
			Help:  "list commands",
			Scope: command.ScopeAny,
			Handler: func(_ context.Context, call *command.Call) (string, error) {
				return r.Help(call.Scope), nil
			},
		},
	}

	for _, d := range table {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) cmdStartInstance(ctx context.Context, call *command.Call) (string, error) {
	id := call.Args.String("instanceId")
	if err := e.instances.Start(ctx, id, call.Args.String("diskId")); err != nil {
		return "", err
	}
	inst, err := e.store.Instance(id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("instance %s running on port %d", id, inst.Port), nil
}

func (e *Engine) cmdRunInstance(ctx context.Context, call *command.Call) (string, error) {
	id := call.Args.String("instanceId")
	if err := e.instances.Run(ctx, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("instance %s running", id), nil
}

func (e *Engine) cmdStopInstance(ctx context.Context, call *command.Call) (string, error) {
	id := call.Args.String("instanceId")
	if err := e.instances.Stop(ctx, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("instance %s stopped", id), nil
}

func (e *Engine) cmdCreateInstance(ctx context.Context, call *command.Call) (string, error) {
	diskID := call.Args.String("diskId")
	inst, err := e.instances.Create(ctx, call.Args.String("appId"), diskID, call.Args.String("name"))
	if err != nil {
		return "", err
	}
	if err := e.instances.Start(ctx, inst.ID, diskID); err != nil {
		return "", fmt.Errorf("created %s but could not start it: %w", inst.ID, err)
	}
	started, err := e.store.Instance(inst.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("instance %s created and running on port %d", inst.ID, started.Port), nil
}

func (e *Engine) cmdEjectDisk(ctx context.Context, call *command.Call) (string, error) {
	id := call.Args.String("diskId")
	if err := e.disks.Eject(ctx, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("disk %s ejected", id), nil
}

func (e *Engine) cmdRescanDisk(ctx context.Context, call *command.Call) (string, error) {
	id := call.Args.String("diskId")
	res, err := e.disks.Rescan(ctx, id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("disk %s: %d apps, %d instances", id, len(res.Apps), len(res.Instances)), nil
}

func (e *Engine) cmdConnect(ctx context.Context, call *command.Call) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	res := e.peers.ConnectEngine(ctx, call.Args.String("network"), "", call.Args.String("address"), false)
	return fmt.Sprintf("%s %s: %s", res.Network, res.Address, res.Status), nil
}

func (e *Engine) cmdPing(context.Context, *command.Call) (string, error) {
	return "pong from " + e.id, nil
}
