package netiface

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ExecSplit runs a shell-less command line split on spaces, logging combined
// output at debug level. It backs the preUp/postUp/postDown hooks of spec
// §12.
func ExecSplit(logger *slog.Logger, command string) error {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil
	}
	return Exec(logger, parts[0], parts[1:]...)
}

func Exec(logger *slog.Logger, name string, arg ...string) error {
	out, err := exec.Command(name, arg...).CombinedOutput()
	logger.Debug("exec command", "cmd", name, "arg", arg, "out", string(out))
	if err != nil {
		return fmt.Errorf("exec %s %s: %w (output: %s)", name, strings.Join(arg, " "), err, out)
	}
	return nil
}
