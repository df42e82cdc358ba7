// Package control implements the builder's line-oriented control channel.
//
// A client sends one command per line and receives one reply line,
// "OK <value>" or "ERR <message>". The server never touches ingestion
// state itself; every command is forwarded to a Backend, which the builder
// implements by handing the request to its poll loop.
package control

import (
	"strings"

	"github.com/xtxerr/fnetdaq/internal/errors"
)

// Command is a control request.
type Command int

const (
	CmdConnected Command = iota
	CmdResyncing
	CmdBuilt
	CmdReconnect
	CmdStats
	CmdHelp
	CmdQuit
)

var commandNames = [...]string{
	CmdConnected: "connected",
	CmdResyncing: "resyncing",
	CmdBuilt:     "built",
	CmdReconnect: "reconnect",
	CmdStats:     "stats",
	CmdHelp:      "help",
	CmdQuit:      "quit",
}

var commandHelp = [...]string{
	CmdConnected: "whether the front-end stream is up",
	CmdResyncing: "whether the decoder is scanning for a header",
	CmdBuilt:     "events built so far",
	CmdReconnect: "drop the front-end connection and dial again",
	CmdStats:     "current stats snapshot as json",
	CmdHelp:      "list commands",
	CmdQuit:      "close this control connection",
}

// String returns the wire name of the command.
func (c Command) String() string {
	if c < 0 || int(c) >= len(commandNames) {
		return "unknown"
	}
	return commandNames[c]
}

// ParseCommand parses one request line. Case and surrounding space are
// ignored.
func ParseCommand(line string) (Command, error) {
	name := strings.ToLower(strings.TrimSpace(line))
	for i, n := range commandNames {
		if n == name {
			return Command(i), nil
		}
	}
	return 0, errors.Wrapf(errors.ErrUnknownCommand, "%q", name)
}

// Help returns one line listing every command.
func Help() string {
	parts := make([]string, len(commandNames))
	copy(parts, commandNames[:])
	return strings.Join(parts, " ")
}

// Usage returns a description per command, one per line.
func Usage() []string {
	out := make([]string, len(commandNames))
	for i, n := range commandNames {
		out[i] = n + "\t" + commandHelp[i]
	}
	return out
}
