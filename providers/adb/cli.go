package adb

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CLI runs the adb executable.
type CLI struct {
	bin string
	// run is swapped in tests.
	run func(ctx context.Context, bin string, args ...string) (stdout, stderr string, err error)
}

// NewCLI uses bin, or "adb" from PATH when bin is empty.
func NewCLI(bin string) *CLI {
	bin = strings.TrimSpace(bin)
	if bin == "" {
		bin = "adb"
	}
	return &CLI{bin: bin, run: execCommand}
}

func (c *CLI) Devices(ctx context.Context) (string, error) {
	return c.exec(ctx, "devices")
}

func (c *CLI) Connect(ctx context.Context, addr string) (string, error) {
	return c.exec(ctx, "connect", addr)
}

func (c *CLI) Disconnect(ctx context.Context, addr string) (string, error) {
	return c.exec(ctx, "disconnect", addr)
}

func (c *CLI) exec(ctx context.Context, args ...string) (string, error) {
	stdout, stderr, err := c.run(ctx, c.bin, args...)
	log.Debug().Str("bin", c.bin).Strs("args", args).Err(err).Msg("adb command")
	if err != nil {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = strings.TrimSpace(stdout)
		}
		return stdout, errors.Wrapf(err, "adb %s: %s", strings.Join(args, " "), detail)
	}
	return stdout, nil
}

func execCommand(ctx context.Context, bin string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
