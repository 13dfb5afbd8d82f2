// Package printer renders CLI output: coloured status lines, structured error
// messages with suggestions, and aligned key/value tables.
package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// Printer writes user-facing output. Results go to Out, errors to Err.
type Printer struct {
	Out io.Writer
	Err io.Writer
}

// New creates a printer on the given writers.
func New(out, err io.Writer) *Printer {
	return &Printer{Out: out, Err: err}
}

var std = New(os.Stdout, os.Stderr)

// Success prints a success message in green with a checkmark prefix
func (p *Printer) Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(p.Out, msg)
}

// Info prints an informational message in the default color
func (p *Printer) Info(format string, a ...any) {
	fmt.Fprintf(p.Out, format, a...)
}

// Warning prints a warning message in yellow with a warning emoji prefix
func (p *Printer) Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(p.Out, msg)
}

// Step prints a step message with emphasis (used in multi-step operations)
func (p *Printer) Step(format string, a ...any) {
	cyan.Fprintf(p.Out, "→ %s", fmt.Sprintf(format, a...))
}

// Status prints a run status coloured by outcome.
func (p *Printer) Status(status string) string {
	switch status {
	case "completed", "approved", "done":
		return green.Sprint(status)
	case "failed", "aborted", "revise":
		return red.Sprint(status)
	case "pending_review", "in_progress", "running":
		return yellow.Sprint(status)
	default:
		return faint.Sprint(status)
	}
}

// Table prints rows as aligned columns.
func (p *Printer) Table(header []string, rows [][]string) {
	tw := tabwriter.NewWriter(p.Out, 0, 4, 2, ' ', 0)
	if len(header) > 0 {
		fmt.Fprintln(tw, strings.Join(header, "\t"))
	}
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

// Error prints a formatted error with title, explanation and suggestions to Err
// and returns a simple error for Cobra.
func (p *Printer) Error(title string, explanation string, suggestions []string) error {
	return p.ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with context details, printed sorted by key.
func (p *Printer) ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(p.Err, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(p.Err, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(p.Err, "\n")
		for _, k := range keys {
			fmt.Fprintf(p.Err, "  %s: %s\n", k, context[k])
		}
	}

	if len(suggestions) > 0 {
		fmt.Fprintf(p.Err, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(p.Err, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(p.Err, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(p.Err, "  %d. %s\n", i+1, suggestion)
			}
		}
	}

	// Return simple error for Cobra (won't be printed due to SilenceErrors)
	return fmt.Errorf("%s", title)
}

// Success prints to stdout.
func Success(format string, a ...any) { std.Success(format, a...) }

// Info prints to stdout.
func Info(format string, a ...any) { std.Info(format, a...) }

// Warning prints to stdout.
func Warning(format string, a ...any) { std.Warning(format, a...) }

// Step prints to stdout.
func Step(format string, a ...any) { std.Step(format, a...) }

// Error prints to stderr.
func Error(title string, explanation string, suggestions []string) error {
	return std.Error(title, explanation, suggestions)
}

// ErrorWithContext prints to stderr.
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	return std.ErrorWithContext(title, explanation, context, suggestions)
}
