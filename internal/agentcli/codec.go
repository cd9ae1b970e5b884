package agentcli

import (
	"encoding/json"
	"fmt"
	"io"
)

// The child speaks newline-delimited JSON on both pipes. Requests carry an
// id; the child streams zero or more interim records and finishes each
// prompt with a terminal "result" or "error" record echoing that id.
const (
	recPrompt     = "prompt"
	recChunk      = "chunk"
	recResult     = "result"
	recError      = "error"
	recLog        = "log"
	recTool       = "tool"
	recToolResult = "tool_result"
)

type record struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Message string          `json:"message,omitempty"`
	Name    string          `json:"name,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
}

func writeRecord(w io.Writer, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func parseRecord(line []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return record{}, fmt.Errorf("parse response record: %w", err)
	}
	if rec.Type == "" {
		return record{}, fmt.Errorf("response record missing type")
	}
	return rec, nil
}
