package suite

import (
	"time"

	"github.com/Shunpei0902/ft-irc/internal/clientconfig"
	"github.com/Shunpei0902/ft-irc/internal/session"
)

// DefaultCases returns the built-in connection, channel, and private
// message checks. With pauses, the scripts carry client-side /sleep
// commands so a real client waits for server replies before moving on.
func DefaultCases(pauses bool) []TestCase {
	pause := func(seconds string) []string {
		if !pauses {
			return nil
		}
		return []string{"/sleep " + seconds}
	}
	join := func(parts ...[]string) []string {
		out := []string{}
		for _, part := range parts {
			out = append(out, part...)
		}
		return out
	}

	return []TestCase{
		{
			Name:        "basic_connection",
			Description: "Basic connection test",
			Identity:    clientconfig.Identity{Nickname: "testuser1"},
			Script:      session.NewScript(pause("2")...),
			Timeout:     15 * time.Second,
			Predicate:   All(Succeeded(), OutputContains("Welcome")),
		},
		{
			Name:        "channel_operations",
			Description: "Channel operations test",
			Identity:    clientconfig.Identity{Nickname: "testuser2"},
			Script: session.NewScript(join(
				pause("2"),
				[]string{"/join #testchannel"},
				pause("1"),
				[]string{"/msg #testchannel Hello channel!"},
				pause("1"),
				[]string{"/part #testchannel"},
			)...),
			Timeout:   20 * time.Second,
			Predicate: Succeeded(),
		},
		{
			Name:        "private_messages",
			Description: "Private messages test",
			Identity:    clientconfig.Identity{Nickname: "testuser3"},
			Script: session.NewScript(join(
				pause("2"),
				[]string{"/msg testuser4 Hello there!"},
				pause("1"),
			)...),
			Timeout:   15 * time.Second,
			Predicate: Succeeded(),
		},
	}
}
