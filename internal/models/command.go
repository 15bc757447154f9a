package models

import "sort"

// Command is one queued instruction for an engine. IDs are UUIDv7, so
// lexical order is append order.
type Command struct {
	ID     string `json:"id"`
	Line   string `json:"line"`
	Sender string `json:"sender"`
	Issued int64  `json:"issued"`
}

// CommandAck records that the owning engine executed a command.
type CommandAck struct {
	At     int64  `json:"at"`
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
}

// SortCommands orders commands by append order.
func SortCommands(cmds []Command) {
	sort.Slice(cmds, func(i, j int) bool {
		return cmds[i].ID < cmds[j].ID
	})
}
