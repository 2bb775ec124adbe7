package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ashureev/yai/internal/domain"
)

const (
	directiveStart = "---FIN---"
	directiveEnd   = "---AWK---"

	// DefaultMinChunk is how many bytes are buffered before they are
	// forwarded to the sink.
	DefaultMinChunk = 10
)

// Directive is a task request the model emits instead of plain text. The
// reply then starts with:
//
//	---FIN--- <task name>
//	<arg>: <value>
//	---AWK---
//	<answer text>
type Directive struct {
	Task string
	Args map[string]string
}

// DirectiveHandler receives directives parsed from a finished reply.
type DirectiveHandler func(ctx context.Context, scope domain.ContextScope, d Directive)

// LogDirectives returns a handler that logs each directive.
func LogDirectives(logger *slog.Logger) DirectiveHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, scope domain.ContextScope, d Directive) {
		logger.Info("Engine directive received", "username", scope.Username, "task", d.Task, "args", d.Args)
	}
}

// ParseDirective splits a reply into its directive block and the remaining
// text. ok is false when text does not start with a directive.
func ParseDirective(text string) (d Directive, rest string, ok bool) {
	if !strings.HasPrefix(text, directiveStart) {
		return Directive{}, text, false
	}
	body := strings.TrimPrefix(text, directiveStart)
	if len(body) > 0 && (body[0] == ' ' || body[0] == '\n') {
		body = body[1:]
	}

	head, body, _ := strings.Cut(body, "\n")
	d = Directive{Task: strings.TrimSpace(head), Args: map[string]string{}}

	block, after, found := strings.Cut(body, directiveEnd)
	if !found {
		block, after = body, ""
	}
	for _, line := range strings.Split(block, "\n") {
		name, value, hasColon := strings.Cut(line, ":")
		if !hasColon {
			continue
		}
		d.Args[strings.TrimSpace(name)] = strings.TrimLeft(value, " ")
	}
	after = strings.TrimPrefix(after, "\n")
	return d, after, true
}

// chunker coalesces streamed deltas so the sink sees chunks of at least
// minBytes bytes, and withholds a reply that turns out to be a directive.
type chunker struct {
	minBytes int
	sink     Sink
	acc      strings.Builder
	reserve  bool
}

func newChunker(minBytes int, sink Sink) *chunker {
	if minBytes <= 0 {
		minBytes = DefaultMinChunk
	}
	return &chunker{minBytes: minBytes, sink: sink}
}

func (c *chunker) Write(delta string) {
	c.acc.WriteString(delta)
	if c.acc.Len() < c.minBytes {
		return
	}
	if strings.HasPrefix(c.acc.String(), directiveStart) {
		c.reserve = true
	}
	if c.reserve {
		return
	}
	c.sink(c.acc.String())
	c.acc.Reset()
}

// Flush forwards whatever is buffered. If the buffer holds a directive it is
// returned and only the text after the block reaches the sink.
func (c *chunker) Flush() *Directive {
	if c.acc.Len() == 0 {
		return nil
	}
	text := c.acc.String()
	c.acc.Reset()

	var found *Directive
	if d, rest, ok := ParseDirective(text); ok {
		found = &d
		text = rest
	}
	if text != "" {
		c.sink(text)
	}
	return found
}
