package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"antigravity/internal/batch"
)

// Command runs Argv once per item. The item is passed both as JSON on
// stdin and as ANTIGRAVITY_* environment variables. The last non-empty
// stdout line may be a JSON batch.ItemResponse; otherwise a zero exit is
// a success and the trimmed stdout becomes the artifact ID.
type Command struct {
	Argv []string
	Env  []string
}

func NewCommand(argv []string) (*Command, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("executor command is empty")
	}
	return &Command{Argv: append([]string(nil), argv...)}, nil
}

func (c *Command) Execute(ctx context.Context, req batch.ItemRequest) (batch.ItemResponse, error) {
	in, err := json.Marshal(req)
	if err != nil {
		return batch.ItemResponse{}, err
	}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Env = append(append(os.Environ(), c.Env...),
		"ANTIGRAVITY_RUN_ID="+req.RunID,
		"ANTIGRAVITY_ITEM_INDEX="+strconv.Itoa(req.Index),
		"ANTIGRAVITY_PLATFORM="+req.Platform,
		"ANTIGRAVITY_NICHE="+req.Niche,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return batch.ItemResponse{}, ctx.Err()
		}
		msg := lastLine(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return batch.ItemResponse{Success: false, Error: msg}, nil
	}

	out := lastLine(stdout.String())
	if strings.HasPrefix(out, "{") {
		var resp batch.ItemResponse
		if err := json.Unmarshal([]byte(out), &resp); err != nil {
			return batch.ItemResponse{}, fmt.Errorf("decode command output: %w", err)
		}
		return resp, nil
	}
	return batch.ItemResponse{Success: true, ArtifactID: out}, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
