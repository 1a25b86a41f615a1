// Package session runs one scripted interactive client session against the
// service and captures what the client printed.
package session

import (
	"fmt"
	"strings"

	"github.com/Shunpei0902/ft-irc/internal/clientconfig"
)

// QuitCommand terminates every script.
const QuitCommand = "/quit"

// Script is an ordered, immutable list of client commands. The terminating
// QuitCommand is implicit.
type Script struct {
	commands []string
}

// NewScript copies commands into a Script.
func NewScript(commands ...string) Script {
	return Script{commands: append([]string(nil), commands...)}
}

// Commands returns a copy of the scripted commands, without the implicit quit.
func (s Script) Commands() []string {
	return append([]string{}, s.commands...)
}

// Len returns the number of scripted commands.
func (s Script) Len() int {
	return len(s.commands)
}

// Input renders the full newline-delimited stream fed to the client: the
// connect line, the commands, and the quit line.
func (s Script) Input(target clientconfig.Target) string {
	address := target.Address
	if address == "" {
		address = clientconfig.DefaultAddress
	}
	lines := make([]string, 0, len(s.commands)+2)
	lines = append(lines, fmt.Sprintf("/connect %s %d %s", address, target.Port, target.Password))
	for _, command := range s.commands {
		lines = append(lines, strings.TrimRight(command, "\r\n"))
	}
	lines = append(lines, QuitCommand)
	return strings.Join(lines, "\n") + "\n"
}
