// Package console reads operator commands from a line-oriented stream,
// normally stdin.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Handler implements the commands. Any nil func makes its command report
// that it is unavailable.
type Handler struct {
	Reload func() error
	Status func() string
	Stop   func()
}

// Run reads commands from r and writes replies to w until a stop command,
// the end of r, or ctx is done. Reading r is not interruptible, so the
// reader goroutine may outlive Run when ctx ends first.
func Run(ctx context.Context, r io.Reader, w io.Writer, h Handler) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("console: %w", err)
			}
			return nil
		case line := <-lines:
			if stop := dispatch(w, h, line); stop {
				return nil
			}
		}
	}
}

func dispatch(w io.Writer, h Handler, line string) bool {
	cmd := strings.ToLower(strings.TrimSpace(line))
	switch cmd {
	case "":
	case "reload":
		if h.Reload == nil {
			fmt.Fprintln(w, "reload is not available")
			break
		}
		if err := h.Reload(); err != nil {
			fmt.Fprintf(w, "reload failed: %v\n", err)
			break
		}
		fmt.Fprintln(w, "configuration reloaded")
	case "status":
		if h.Status == nil {
			fmt.Fprintln(w, "status is not available")
			break
		}
		fmt.Fprintln(w, h.Status())
	case "stop", "exit", "quit":
		fmt.Fprintln(w, "stopping")
		if h.Stop != nil {
			h.Stop()
		}
		return true
	default:
		fmt.Fprintf(w, "unknown command %q (available: reload, status, stop)\n", cmd)
	}
	return false
}
