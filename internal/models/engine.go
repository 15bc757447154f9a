// Package models provides data models for the fleet engine.
package models

import "sort"

// NetworkInterface describes one connected interface of an engine host.
type NetworkInterface struct {
	IP4     string `json:"ip4"`
	Netmask string `json:"netmask"`
	CIDR    string `json:"cidr"`
}

// Engine represents a fleet node process plus its host machine.
type Engine struct {
	ID                  string                      `json:"id"`
	Hostname            string                      `json:"hostname"`
	Version             string                      `json:"version"`
	HostOS              string                      `json:"hostOS"`
	LastBooted          int64                       `json:"lastBooted"`
	LastRun             int64                       `json:"lastRun"`
	ConnectedInterfaces map[string]NetworkInterface `json:"connectedInterfaces,omitempty"`
	Disks               map[string]bool             `json:"disks,omitempty"`
	// Commands is appended to by any sender and consumed only by the owning engine.
	Commands map[string]Command `json:"commands,omitempty"`
	// Processed holds the owning engine's acknowledgement per command ID.
	Processed map[string]CommandAck `json:"processed,omitempty"`
}

// DiskIDs returns the IDs of disks hosted on the engine in sorted order.
func (e *Engine) DiskIDs() []string {
	return SetMembers(e.Disks)
}

// PendingCommands returns commands without an acknowledgement, in append order.
func (e *Engine) PendingCommands() []Command {
	var pending []Command
	for id, cmd := range e.Commands {
		if _, done := e.Processed[id]; done {
			continue
		}
		if cmd.ID == "" {
			cmd.ID = id
		}
		pending = append(pending, cmd)
	}
	SortCommands(pending)
	return pending
}

// SetMembers returns the members of a replicated set in sorted order.
// Members explicitly set to false are excluded.
func SetMembers(set map[string]bool) []string {
	members := make([]string, 0, len(set))
	for id, present := range set {
		if present {
			members = append(members, id)
		}
	}
	sort.Strings(members)
	return members
}
