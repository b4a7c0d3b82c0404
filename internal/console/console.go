// Package console buffers device console text and detects the "=>"
// shell prompt used to signal that a command has been accepted.
package console

import (
	"os"
	"strings"
	"sync"

	"github.com/sandrift/astraboot/internal/errs"
)

const promptMarker = "=>"

// Console accumulates raw console bytes, mirrors them to an on-disk
// log file, and lets callers wait for the next prompt. It is safe for
// concurrent use.
type Console struct {
	mu         sync.Mutex
	cond       *sync.Cond
	data       strings.Builder
	promptSeen bool
	shutdown   bool
	logFile    *os.File
}

// New returns an empty Console. When logPath is non-empty, every
// appended chunk is also written to that file.
func New(logPath string) (*Console, error) {
	c := &Console{}
	c.cond = sync.NewCond(&c.mu)
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errs.New(errs.Io, "console.New", err)
		}
		c.logFile = f
	}
	return c, nil
}

// Append adds data to the console buffer and, if a log file is
// configured, to the log file. If the trimmed buffer now ends with the
// prompt marker, every WaitForPrompt caller is woken.
func (c *Console) Append(data string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data.WriteString(data)
	if c.logFile != nil {
		c.logFile.WriteString(data)
	}

	trimmed := strings.TrimRight(c.data.String(), " \t\n\r\f\v")
	if strings.HasSuffix(trimmed, promptMarker) {
		c.promptSeen = true
		c.cond.Broadcast()
	}
}

// Get returns the full console buffer accumulated so far.
func (c *Console) Get() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.String()
}

// WaitForPrompt blocks until either a prompt is next signalled or the
// console is shut down. It returns false on shutdown, true on prompt.
// It is safe against spurious wakeups.
func (c *Console) WaitForPrompt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.promptSeen && !c.shutdown {
		c.cond.Wait()
	}
	return c.promptSeen
}

// ResetPrompt clears the seen-prompt flag so a subsequent WaitForPrompt
// blocks for the next prompt rather than returning immediately.
func (c *Console) ResetPrompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.promptSeen = false
}

// Shutdown wakes every blocked WaitForPrompt caller, which then returns
// false. It is idempotent and safe to call from any goroutine.
func (c *Console) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return
	}
	c.shutdown = true
	c.cond.Broadcast()
	if c.logFile != nil {
		c.logFile.Close()
		c.logFile = nil
	}
}
