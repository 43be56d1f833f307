package simfw

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/vt"
)

const (
	defaultConsoleColumns = 80
	defaultConsoleRows    = 25
)

// Console is the simple text output protocol. Output is interpreted by a
// terminal emulator so tests can inspect what a user would see, and is
// optionally copied to a host writer.
type Console struct {
	mu   sync.Mutex
	emu  *vt.SafeEmulator
	tee  io.Writer
	cols int
	rows int

	done chan struct{}
}

func newConsole(tee io.Writer, cols, rows int) *Console {
	if cols <= 0 {
		cols = defaultConsoleColumns
	}
	if rows <= 0 {
		rows = defaultConsoleRows
	}
	c := &Console{
		emu:  vt.NewSafeEmulator(cols, rows),
		tee:  tee,
		cols: cols,
		rows: rows,
		done: make(chan struct{}),
	}
	// The emulator answers terminal queries on its input side; nobody is
	// listening, so discard the replies to keep Write from blocking.
	go func() {
		defer close(c.done)
		_, _ = io.Copy(io.Discard, c.emu)
	}()
	return c
}

// Write implements io.Writer.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tee != nil {
		if _, err := c.tee.Write(p); err != nil {
			return 0, err
		}
	}
	return c.emu.Write(p)
}

// Size returns the console dimensions in cells.
func (c *Console) Size() (cols, rows int) { return c.cols, c.rows }

// Screen returns the visible rows of the console with trailing blanks
// removed.
func (c *Console) Screen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines := make([]string, c.rows)
	var sb strings.Builder
	for y := 0; y < c.rows; y++ {
		sb.Reset()
		for x := 0; x < c.cols; {
			cell := c.emu.CellAt(x, y)
			w := 1
			content := " "
			if cell != nil {
				if cell.Content != "" {
					content = cell.Content
				}
				if cell.Width > 1 {
					w = cell.Width
				}
			}
			sb.WriteString(content)
			x += w
		}
		lines[y] = strings.TrimRight(sb.String(), " ")
	}
	return lines
}

// Text returns the non-empty screen rows joined by newlines.
func (c *Console) Text() string {
	var rows []string
	for _, line := range c.Screen() {
		if line != "" {
			rows = append(rows, line)
		}
	}
	return strings.Join(rows, "\n")
}

// Close stops the emulator.
func (c *Console) Close() error {
	err := c.emu.Close()
	<-c.done
	return err
}
