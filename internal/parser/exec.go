package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// Exec runs an external command per transcript. The command receives
// {"system","prompt","schema"} on stdin and prints the item list on stdout.
type Exec struct {
	cmd []string
}

func NewExec(command string) (*Exec, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse parser command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("parser command empty")
	}
	return &Exec{cmd: args}, nil
}

func (e *Exec) Complete(ctx context.Context, system, prompt string) (string, error) {
	input, err := json.Marshal(map[string]any{
		"system": system,
		"prompt": prompt,
		"schema": json.RawMessage(ItemsSchema),
	})
	if err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("parser exec command failed: %w", err)
	}
	return string(output), nil
}
