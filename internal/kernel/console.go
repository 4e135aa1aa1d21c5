package kernel

import (
	"bytes"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Prompt is printed once boot completes and after every line.
const Prompt = "Type something> "

const (
	keyBackspace = 0x08
	keyDelete    = 0x7f
	keyEscape    = 0x1b

	// maxPartial bounds an escape sequence carried between chunks.
	maxPartial = 16
)

// console echoes input bytes, handling line endings and erase, and keeps
// the completed lines. It runs only in the hart's main loop.
type console struct {
	out io.Writer

	line    []rune
	lines   []string
	partial []byte
	lastCR  bool
}

func (c *console) prompt() {
	io.WriteString(c.out, Prompt)
}

// feed consumes a chunk of raw input. Escape sequences are dropped; one
// that is cut off at the end of the chunk is kept for the next call,
// unless it has grown past maxPartial bytes, in which case it is discarded.
func (c *console) feed(chunk []byte) {
	data := append(c.partial, chunk...)
	c.partial = nil
	if n := incompleteEscape(data); n > 0 {
		if n <= maxPartial {
			c.partial = append([]byte(nil), data[len(data)-n:]...)
		}
		data = data[:len(data)-n]
	}

	for len(data) > 0 {
		i := bytes.IndexAny(data, "\r\n\b\x7f")
		if i < 0 {
			c.text(data)
			return
		}
		c.text(data[:i])
		c.control(data[i])
		data = data[i+1:]
	}
}

func (c *console) text(b []byte) {
	if len(b) == 0 {
		return
	}
	c.lastCR = false
	var echo strings.Builder
	for _, r := range ansi.Strip(string(b)) {
		if r < 0x20 {
			continue
		}
		c.line = append(c.line, r)
		echo.WriteRune(r)
	}
	io.WriteString(c.out, echo.String())
}

func (c *console) control(b byte) {
	switch b {
	case '\n':
		if c.lastCR {
			c.lastCR = false
			return
		}
		c.endLine()
	case '\r':
		c.endLine()
		c.lastCR = true
	case keyBackspace, keyDelete:
		c.lastCR = false
		if len(c.line) == 0 {
			return
		}
		last := c.line[len(c.line)-1]
		c.line = c.line[:len(c.line)-1]
		w := ansi.StringWidth(string(last))
		io.WriteString(c.out, strings.Repeat("\b", w)+strings.Repeat(" ", w)+strings.Repeat("\b", w))
	}
}

func (c *console) endLine() {
	c.lines = append(c.lines, string(c.line))
	c.line = c.line[:0]
	io.WriteString(c.out, "\r\n")
	c.prompt()
}

// incompleteEscape returns the length of an escape sequence at the end of
// b that has not seen its final byte yet, or 0.
func incompleteEscape(b []byte) int {
	i := bytes.LastIndexByte(b, keyEscape)
	if i < 0 {
		return 0
	}
	tail := b[i:]
	switch {
	case len(tail) == 1:
		return 1
	case tail[1] == '[':
		// CSI: parameters and intermediates end at a byte in 0x40-0x7e
		for _, x := range tail[2:] {
			if x >= 0x40 && x <= 0x7e {
				return 0
			}
		}
		return len(tail)
	case tail[1] == 'O' && len(tail) == 2:
		return 2
	}
	return 0
}
