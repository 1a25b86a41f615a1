// Package preflight verifies the external tools a run depends on before
// anything is launched.
package preflight

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"

	"github.com/Shunpei0902/ft-irc/internal/failure"
)

// Checks names the dependencies to verify.
type Checks struct {
	ServerPath string
	Client     string
}

// Report records the resolved dependency locations.
type Report struct {
	ServerPath string
	ClientPath string
}

// Run checks the server binary first and the client tool second, failing
// with a MissingDependency error on the first problem.
func Run(checks Checks) (Report, error) {
	return run(checks, os.Stat, exec.LookPath)
}

func run(
	checks Checks,
	stat func(name string) (fs.FileInfo, error),
	lookPath func(file string) (string, error),
) (Report, error) {
	if stat == nil || lookPath == nil {
		return Report{}, errors.New("stat and lookPath functions are required")
	}

	serverPath := strings.TrimSpace(checks.ServerPath)
	if serverPath == "" {
		return Report{}, failure.New(failure.MissingDependency, "preflight", errors.New("server path is required"))
	}
	info, err := stat(serverPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Report{}, failure.Newf(
				failure.MissingDependency,
				"preflight",
				"server binary %q not found; compile the server first with 'make'",
				serverPath,
			)
		}
		return Report{}, failure.New(failure.MissingDependency, "preflight", fmt.Errorf("stat server binary %q: %w", serverPath, err))
	}
	if info.IsDir() {
		return Report{}, failure.Newf(failure.MissingDependency, "preflight", "server path %q is a directory", serverPath)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return Report{}, failure.Newf(
			failure.MissingDependency,
			"preflight",
			"server binary %q is not executable; rebuild it with 'make' or chmod +x it",
			serverPath,
		)
	}

	client := strings.TrimSpace(checks.Client)
	if client == "" {
		return Report{}, failure.New(failure.MissingDependency, "preflight", errors.New("client tool is required"))
	}
	clientPath, err := lookPath(client)
	if err != nil {
		return Report{}, failure.Newf(
			failure.MissingDependency,
			"preflight",
			"%s not found on PATH; install %s first",
			client,
			client,
		)
	}

	return Report{ServerPath: serverPath, ClientPath: clientPath}, nil
}
