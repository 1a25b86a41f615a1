// Package report prints suite progress to the console as events arrive.
package report

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Shunpei0902/ft-irc/internal/events"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
)

const ruleWidth = 50

// Option configures a Reporter.
type Option func(*Reporter)

// WithPlainText disables colors and text attributes.
func WithPlainText() Option {
	return func(r *Reporter) {
		r.renderer.SetColorProfile(termenv.Ascii)
	}
}

// WithVerbose prints failure output excerpts under failed tests.
func WithVerbose(verbose bool) Option {
	return func(r *Reporter) {
		r.verbose = verbose
	}
}

// Reporter renders harness events as console lines.
type Reporter struct {
	mu       sync.Mutex
	out      io.Writer
	renderer *lipgloss.Renderer
	styles   styles
	verbose  bool
}

// New builds a reporter writing to out.
func New(out io.Writer, options ...Option) *Reporter {
	if out == nil {
		out = io.Discard
	}
	reporter := &Reporter{out: out, renderer: lipgloss.NewRenderer(out)}
	for _, option := range options {
		if option != nil {
			option(reporter)
		}
	}
	reporter.styles = newStyles(reporter.renderer)
	return reporter
}

// Attach subscribes the reporter to every event on bus.
func (r *Reporter) Attach(bus events.Bus) {
	if bus == nil {
		return
	}
	bus.SubscribeAll(r.Handle)
}

// Handle renders one event.
func (r *Reporter) Handle(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch event.Type {
	case events.EventTypeSuiteStarted:
		r.rule()
		r.line(r.styles.heading.Render("Starting IRC Server Integration Tests"))
		r.rule()
	case events.EventTypeServiceStarted:
		payload, _ := event.Payload.(events.ServicePayload)
		r.line("%s Server started on port %d", r.styles.pass.Render(IconPass), payload.Port)
	case events.EventTypeServiceFailed:
		payload, _ := event.Payload.(events.ServicePayload)
		r.line("%s Server failed to start", r.styles.fail.Render(IconFail))
		r.indented(payload.Diagnostic)
	case events.EventTypeServiceExited:
		payload, _ := event.Payload.(events.ServicePayload)
		r.line("%s Server exited during tests: %s", r.styles.warn.Render(IconWarn), firstLine(payload.Diagnostic))
		if r.verbose && payload.Stderr != "" {
			r.indented("stderr: " + payload.Stderr)
		}
	case events.EventTypeTestStarted:
		payload, _ := event.Payload.(events.TestPayload)
		r.line("%s Testing %s (%d/%d)...", r.styles.info.Render(IconRunning), payload.Name, payload.Index, payload.Total)
	case events.EventTypeTestFinished:
		r.testFinished(event)
	case events.EventTypeSuiteFinished:
		payload, _ := event.Payload.(events.SuitePayload)
		style := r.styles.pass
		if payload.Passed != payload.Total {
			style = r.styles.fail
		}
		r.rule()
		r.line(style.Render(fmt.Sprintf("Tests completed: %d/%d passed", payload.Passed, payload.Total)))
		r.rule()
	case events.EventTypeShutdownAnomaly:
		payload, _ := event.Payload.(events.ServicePayload)
		r.line("%s Server needed SIGKILL to stop: %s", r.styles.warn.Render(IconWarn), payload.Diagnostic)
	case events.EventTypeServiceStopped:
		payload, _ := event.Payload.(events.ServicePayload)
		if payload.Forced {
			r.line("%s Server stopped (forced)", r.styles.warn.Render(IconWarn))
			return
		}
		r.line("%s Server stopped", r.styles.pass.Render(IconPass))
	case events.EventTypeResultsSaved:
		payload, _ := event.Payload.(events.ResultsPayload)
		if payload.Error != "" {
			r.line("%s Failed to save results to %s: %s", r.styles.fail.Render(IconFail), payload.Path, payload.Error)
			return
		}
		r.line("Test results saved to %s", payload.Path)
	}
}

func (r *Reporter) testFinished(event events.Event) {
	payload, _ := event.Payload.(events.TestPayload)
	label := payload.Description
	if label == "" {
		label = payload.Name
	}
	stats := r.styles.muted.Render(fmt.Sprintf(
		"(%s, %s output)",
		payload.Duration.Round(10*time.Millisecond),
		humanize.Bytes(uint64(payload.OutputBytes)),
	))
	if payload.Passed {
		r.line("%s %s %s", r.styles.pass.Render(IconPass), label, stats)
		return
	}
	reason := payload.Failure
	if payload.Detail != "" {
		reason = payload.Failure + ": " + payload.Detail
	}
	r.line("%s %s %s", r.styles.fail.Render(IconFail), label, stats)
	if reason != "" {
		if r.verbose {
			r.indented(reason)
		} else {
			r.indented(firstLine(reason))
		}
	}
}

func (r *Reporter) rule() {
	r.line(strings.Repeat("=", ruleWidth))
}

func (r *Reporter) line(format string, args ...any) {
	if len(args) == 0 {
		fmt.Fprintln(r.out, format)
		return
	}
	fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *Reporter) indented(text string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(r.out, "    %s\n", line)
	}
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if index := strings.IndexByte(text, '\n'); index >= 0 {
		return text[:index]
	}
	return text
}
