// Package console writes loader diagnostics to the firmware text console.
package console

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// CRLF converts bare line feeds to CR LF. Firmware consoles do not return
// the carriage on a line feed.
type CRLF struct {
	io.Writer
}

func (c *CRLF) Write(p []byte) (int, error) {
	converted := make([]byte, 0, len(p)+8)
	for i := range p {
		if p[i] == '\n' && (i == 0 || p[i-1] != '\r') {
			converted = append(converted, '\r')
		}
		converted = append(converted, p[i])
	}
	if _, err := c.Writer.Write(converted); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Options controls console rendering.
type Options struct {
	// Color enables SGR styling of warnings and failures.
	Color bool
	// Width wraps lines to this many cells; zero disables wrapping.
	Width int
}

// Console is a line-oriented writer over the firmware console.
type Console struct {
	w    io.Writer
	opts Options

	// pending is set while a Loading line waits for its result.
	pending bool
}

// New returns a console that writes to w. A nil w discards output.
func New(w io.Writer, opts Options) *Console {
	if w == nil {
		w = io.Discard
	}
	return &Console{w: &CRLF{w}, opts: opts}
}

// Progress finishes any pending line and returns the line-converting
// writer for a progress bar to redraw on.
func (c *Console) Progress() io.Writer {
	if c.pending {
		c.pending = false
		_, _ = io.WriteString(c.w, "\n")
	}
	return c.w
}

func (c *Console) line(style ansi.Style, s string) {
	c.text(style, s)
	_, _ = io.WriteString(c.w, "\n")
}

// text writes s without a trailing newline, finishing any pending line
// first.
func (c *Console) text(style ansi.Style, s string) {
	if c.pending {
		c.pending = false
		_, _ = io.WriteString(c.w, "\n")
	}
	// Names and messages can come from the boot volume.
	s = ansi.Strip(s)
	if c.opts.Width > 0 {
		s = ansi.Wrap(s, c.opts.Width, "")
	}
	if c.opts.Color && len(style) > 0 {
		lines := strings.Split(s, "\n")
		for i, l := range lines {
			lines[i] = style.Styled(l)
		}
		s = strings.Join(lines, "\n")
	}
	_, _ = io.WriteString(c.w, s)
}

// Printf writes one formatted line.
func (c *Console) Printf(format string, args ...any) {
	c.line(nil, fmt.Sprintf(format, args...))
}

// Loading announces that path is about to be read. The line is finished by
// Success or by the next message.
func (c *Console) Loading(path string) {
	c.text(nil, fmt.Sprintf("Loading %s...", path))
	c.pending = true
}

// Success reports the previous step completed.
func (c *Console) Success() {
	if c.pending {
		c.pending = false
		_, _ = io.WriteString(c.w, "\tSuccess\n")
		return
	}
	c.line(nil, "Success")
}

// Warn writes a highlighted warning line.
func (c *Console) Warn(format string, args ...any) {
	c.line(ansi.Style{}.ForegroundColor(ansi.Yellow), fmt.Sprintf(format, args...))
}

// Failure reports a failed boot attempt: the stage that failed, the status
// returned to firmware and the error chain.
func (c *Console) Failure(stage fmt.Stringer, status fmt.Stringer, err error) {
	c.line(ansi.Style{}.ForegroundColor(ansi.Red).Bold(), fmt.Sprintf("Boot failed at %v: %v", stage, status))
	if err != nil {
		c.line(ansi.Style{}.ForegroundColor(ansi.Red), "  "+err.Error())
	}
}
