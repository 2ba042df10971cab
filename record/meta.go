package record

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/pzim/retrace/trace"
)

// collectMeta reads the tracee's identity out of /proc. Fields that cannot
// be read stay empty; a launched tracee sits stopped at its first trap, so
// the usual race against process exit does not apply here.
func collectMeta(pid int) (*trace.SessionMeta, error) {
	procDir := fmt.Sprintf("/proc/%d", pid)
	if _, err := os.Stat(procDir); err != nil {
		return nil, fmt.Errorf("failed to stat %s: %v", procDir, err)
	}

	meta := &trace.SessionMeta{Pid: pid}

	if comm, err := os.ReadFile(fmt.Sprintf("%s/comm", procDir)); err == nil {
		meta.Comm = strings.TrimSpace(string(comm))
	}

	if exePath, err := os.Readlink(fmt.Sprintf("%s/exe", procDir)); err == nil {
		meta.ExePath = exePath
	}

	if cmdlineBytes, err := os.ReadFile(fmt.Sprintf("%s/cmdline", procDir)); err == nil && len(cmdlineBytes) > 0 {
		args := bytes.Split(cmdlineBytes, []byte{0})
		var cmdArgs []string
		for _, arg := range args {
			if len(arg) > 0 {
				cmdArgs = append(cmdArgs, string(arg))
			}
		}
		if len(cmdArgs) > 0 {
			meta.CmdLine = strings.Join(cmdArgs, " ")
		}
	}

	if cwd, err := os.Readlink(fmt.Sprintf("%s/cwd", procDir)); err == nil {
		meta.WorkingDir = cwd
	}

	if environ, err := os.ReadFile(fmt.Sprintf("%s/environ", procDir)); err == nil {
		for _, entry := range strings.Split(string(environ), "\x00") {
			if entry != "" {
				meta.Environment = append(meta.Environment, entry)
			}
		}
	}

	return meta, nil
}
