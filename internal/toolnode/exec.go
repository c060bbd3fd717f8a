package toolnode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// SubprocessExecutor builds an Executor that invokes argv as a subprocess
// for every call: the decoded arguments are marshaled to JSON and written
// to the process's stdin, and the tool_result text is whatever the process
// writes to stdout (trimmed of trailing whitespace). Stderr is captured
// into the returned error so a failing tool's diagnostics survive into the
// error tool_return reported for tool-side failures.
func SubprocessExecutor(argv []string) (Executor, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("toolnode: subprocess executor requires a non-empty command")
	}
	return func(ctx context.Context, args map[string]any) (string, error) {
		payload, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("encode arguments: %w", err)
		}

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdin = bytes.NewReader(payload)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return "", fmt.Errorf("%s", msg)
		}
		return strings.TrimSpace(stdout.String()), nil
	}, nil
}
