package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

const doneMarker = "[DONE]"

var (
	askServer  string
	askTimeout time.Duration

	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a running server a question and print the streamed answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), askTimeout)
			defer cancel()

			client := newAskClient(askServer)
			return ask(ctx, client, strings.Join(args, " "), cmd.OutOrStdout())
		},
	}
)

func init() {
	askCmd.Flags().StringVar(&askServer, "server", "http://localhost:8080", "base URL of the yai server")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 5*time.Minute, "give up after this long")
}

func newAskClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("User-Agent", "yai-cli")
}

// ask submits question, then streams the answer to out. Each SSE frame is
// the rendered conversation so far; only the last one is printed.
func ask(ctx context.Context, client *resty.Client, question string, out io.Writer) error {
	submit, err := client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/plain; charset=utf-8").
		SetBody(question).
		Post("/messaging/")
	if err != nil {
		return fmt.Errorf("submit question: %w", err)
	}
	if submit.IsError() {
		return fmt.Errorf("submit question: %s: %s", submit.Status(), strings.TrimSpace(submit.String()))
	}

	stream, err := client.R().
		SetContext(ctx).
		SetCookies(submit.Cookies()).
		SetHeader("Accept", "text/event-stream").
		SetDoNotParseResponse(true).
		Get("/messaging/")
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	body := stream.RawBody()
	defer body.Close()

	if stream.IsError() {
		return fmt.Errorf("open stream: %s", stream.Status())
	}

	last, finished, err := readFrames(body)
	if err != nil {
		return err
	}
	if !finished {
		return fmt.Errorf("no answer streamed; another turn may be in progress")
	}
	if last == "" {
		// The turn completed without any answer text.
		return nil
	}
	_, err = fmt.Fprintln(out, last)
	return err
}

// readFrames consumes an SSE body and returns the last data frame before the
// done marker. finished reports whether the done marker was seen.
func readFrames(r io.Reader) (last string, finished bool, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == doneMarker {
			return last, true, nil
		}
		last = data
	}
	if err := scanner.Err(); err != nil {
		return last, false, fmt.Errorf("read stream: %w", err)
	}
	if last != "" {
		return last, false, fmt.Errorf("stream ended before %s", doneMarker)
	}
	return "", false, nil
}
