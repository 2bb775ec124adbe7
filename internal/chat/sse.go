package chat

import (
	"fmt"
	"io"
	"net/http"
)

const (
	doneData = "[DONE]"
	// endComment is written after the last event so proxies flush the
	// stream before it closes.
	endComment = ":\n\n"
)

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeData(w io.Writer, data string) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeDone(w io.Writer) error {
	if err := writeData(w, doneData); err != nil {
		return err
	}
	_, err := io.WriteString(w, endComment)
	return err
}
