// source.go defines where command frames come from. Each source pushes
// frames into a channel the engine drains; replies flow back through the
// same source.
package command

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
)

// Source delivers inbound frames and carries replies back to their sender.
// Run blocks until ctx is cancelled or the underlying transport closes.
type Source interface {
	// Frames returns the channel of inbound commands.
	Frames() <-chan Frame
	// Reply sends text back to the sender of a previously delivered frame.
	Reply(ctx context.Context, sender, text string) error
	// Run pumps the source. It returns nil on context cancellation.
	Run(ctx context.Context) error
}

// stdinSender is the sender identity for console frames.
const stdinSender = "console"

// StdinSource reads one command per line from a reader (normally os.Stdin)
// and writes replies to a writer. Used for local operation and dry runs.
type StdinSource struct {
	in     io.Reader
	out    io.Writer
	frames chan Frame
	logger *slog.Logger
}

// NewStdinSource creates a console source.
func NewStdinSource(in io.Reader, out io.Writer, logger *slog.Logger) *StdinSource {
	return &StdinSource{
		in:     in,
		out:    out,
		frames: make(chan Frame, 16),
		logger: logger.With("component", "stdin"),
	}
}

// Frames implements Source.
func (s *StdinSource) Frames() <-chan Frame { return s.frames }

// Reply implements Source.
func (s *StdinSource) Reply(_ context.Context, _, text string) error {
	_, err := io.WriteString(s.out, text+"\n")
	return err
}

// Run implements Source. The scanner goroutine cannot be interrupted by ctx
// while blocked on a read; frames arriving after cancellation are dropped.
func (s *StdinSource) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			s.logger.Warn("stdin closed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			select {
			case s.frames <- Frame{Sender: stdinSender, Text: line}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
