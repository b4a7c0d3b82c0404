package console

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestConsole(t *testing.T) *Console {
	t.Helper()
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestAppendDetectsPrompt(t *testing.T) {
	c := newTestConsole(t)
	c.Append("Booting kernel...\n")
	c.Append("root@board:~# ls\n=> ")

	done := make(chan struct{})
	go func() {
		c.WaitForPrompt()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForPrompt did not return after prompt was appended")
	}

	if got := c.Get(); got == "" {
		t.Error("Get() returned empty buffer")
	}
}

func TestWaitForPromptBlocksUntilSignaled(t *testing.T) {
	c := newTestConsole(t)
	result := make(chan bool, 1)
	done := make(chan struct{})
	go func() {
		result <- c.WaitForPrompt()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForPrompt returned before any prompt was appended")
	case <-time.After(50 * time.Millisecond):
	}

	c.Append("=>")
	select {
	case <-done:
		if !<-result {
			t.Error("WaitForPrompt returned false after a real prompt")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForPrompt did not return after prompt appended")
	}
}

func TestResetPromptRequiresNewPrompt(t *testing.T) {
	c := newTestConsole(t)
	c.Append("=>")
	c.WaitForPrompt()
	c.ResetPrompt()

	done := make(chan struct{})
	go func() {
		c.WaitForPrompt()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForPrompt returned without a new prompt after ResetPrompt")
	case <-time.After(50 * time.Millisecond):
	}

	c.Append("more output\n=>")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForPrompt did not return after second prompt")
	}
}

func TestShutdownUnblocksWaitForPrompt(t *testing.T) {
	c := newTestConsole(t)
	result := make(chan bool, 1)
	done := make(chan struct{})
	go func() {
		result <- c.WaitForPrompt()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForPrompt returned before shutdown or prompt")
	case <-time.After(50 * time.Millisecond):
	}

	c.Shutdown()
	select {
	case <-done:
		if <-result {
			t.Error("WaitForPrompt returned true after shutdown with no prompt")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForPrompt did not return after Shutdown")
	}
}

func TestAppendWritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console-1-1.log")
	c, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Append("hello\n")
	c.Shutdown()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("log file content = %q, want %q", data, "hello\n")
	}
}
