// Package console drives a hub coordinator from typed line commands.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/spf13/cast"
)

var (
	ErrUnknownCommand = errors.New("console: unknown command")
	ErrUsage          = errors.New("console: bad arguments")
	// ErrQuit is returned by Execute for "quit" and "exit".
	ErrQuit = errors.New("console: quit")
)

// Hub is the command surface of a hub coordinator.
type Hub interface {
	StartSession(name string) error
	EndSession() error
	RequestSample(exerciseLogID string, setIndex int) error
	RequestHeartRate() error
	RequestVelocity() error
}

const Help = `commands:
  start <name>          start (or rename) the session
  sample <logId> <set>  request a sample for a set
  hr                    request a heart-rate reading
  velocity              request a velocity reading
  end                   end the session
  help                  show this help
  quit                  leave`

// Execute parses line and runs it against hub. Blank lines are ignored.
func Execute(hub Hub, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name, args := strings.ToLower(fields[0]), fields[1:]

	switch name {
	case "start":
		if len(args) == 0 {
			return fmt.Errorf("%w: start <name>", ErrUsage)
		}
		return hub.StartSession(strings.Join(args, " "))
	case "end":
		return hub.EndSession()
	case "sample":
		if len(args) != 2 {
			return fmt.Errorf("%w: sample <logId> <set>", ErrUsage)
		}
		idx, err := cast.ToIntE(args[1])
		if err != nil || idx < 0 {
			return fmt.Errorf("%w: set index %q is not a non-negative number", ErrUsage, args[1])
		}
		return hub.RequestSample(args[0], idx)
	case "hr", "heartrate":
		return hub.RequestHeartRate()
	case "velocity", "speed":
		return hub.RequestVelocity()
	case "quit", "exit":
		return ErrQuit
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
}

// Run reads commands from in until EOF, "quit" or ctx is done. Problems
// with a single command are reported on out and do not stop the loop.
func Run(ctx context.Context, in io.Reader, out io.Writer, hub Hub, logger *log.Logger) error {
	if hub == nil {
		panic("Console: hub cannot be nil")
	}
	if logger == nil {
		panic("Console: logger cannot be nil")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	fmt.Fprintln(out, `type "help" for commands`)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if strings.TrimSpace(line) == "help" {
				fmt.Fprintln(out, Help)
				continue
			}
			err := Execute(hub, line)
			switch {
			case errors.Is(err, ErrQuit):
				return nil
			case err != nil:
				logger.Printf("Console: %v", err)
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}
