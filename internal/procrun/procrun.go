// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package procrun runs the external bookkeeping scripts a burst-buffer
// plugin configures (get_sys_state, start_stage_in, teardown, …),
// bounding each one by a deadline and always killing the whole process
// group it spawned.
package procrun

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/jontk/agentd/pkg/agenterrors"
	"github.com/jontk/agentd/pkg/logging"
)

// Async requests fire-and-forget execution: the child is started in
// its own session so it survives the caller, and Run
// returns nil immediately without capturing output.
const Async time.Duration = -1

// Run executes path with argv under tag (used only for logging), waiting
// at most maxWait for it to finish and capturing its stdout. maxWait ==
// Async skips capture and returns as soon as the child is started.
//
// path must be an absolute, executable file; any other path fails fast.
// The child always runs in its own process group so a timeout can kill
// the whole tree, not just the directly spawned process. Run never
// leaves a zombie: the child is always waited on, even after a kill.
func Run(ctx context.Context, logger logging.Logger, tag, path string, argv []string, maxWait time.Duration) ([]byte, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	if err := checkExecutable(path); err != nil {
		logger.Error("refusing to run script", "tag", tag, "path", path, "error", err)
		return nil, err
	}

	if maxWait == Async {
		return nil, runAsync(logger, tag, path, argv)
	}

	return runSync(ctx, logger, tag, path, argv, maxWait)
}

func checkExecutable(path string) error {
	if path == "" {
		return agenterrors.New(agenterrors.CodeBadScriptPath, "script path is empty")
	}
	if !isAbs(path) {
		return agenterrors.New(agenterrors.CodeBadScriptPath, fmt.Sprintf("script path %q is not absolute", path))
	}

	info, err := os.Stat(path)
	if err != nil {
		return agenterrors.Wrap(agenterrors.CodeBadScriptPath, fmt.Sprintf("stat %q failed", path), err)
	}
	if info.IsDir() {
		return agenterrors.New(agenterrors.CodeBadScriptPath, fmt.Sprintf("script path %q is a directory", path))
	}
	if info.Mode()&0111 == 0 {
		return agenterrors.New(agenterrors.CodeBadScriptPath, fmt.Sprintf("script path %q is not executable", path))
	}
	return nil
}

func isAbs(path string) bool {
	return len(path) > 0 && path[0] == '/'
}

// runAsync double-fork-equivalents the child: detach it into its own
// session via Setsid so it keeps running after the caller moves on, and
// reap it from a background goroutine instead of waiting inline. The
// child remains this process's child, so that goroutine's Wait is what
// keeps it from lingering as a zombie.
func runAsync(logger logging.Logger, tag, path string, argv []string) error {
	cmd := exec.Command(path, argv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		logger.Error("async script spawn failed", "tag", tag, "path", path, "error", err)
		return agenterrors.Wrap(agenterrors.CodeSpawnFailed, fmt.Sprintf("spawn %s (%s) failed", tag, path), err)
	}

	logger.Debug("async script detached", "tag", tag, "path", path, "pid", cmd.Process.Pid)
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}

func runSync(ctx context.Context, logger logging.Logger, tag, path string, argv []string, maxWait time.Duration) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	cmd := exec.Command(path, argv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		logger.Error("script spawn failed", "tag", tag, "path", path, "error", err)
		return nil, agenterrors.Wrap(agenterrors.CodeSpawnFailed, fmt.Sprintf("spawn %s (%s) failed", tag, path), err)
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case err := <-waitDone:
		elapsed := time.Since(start)
		if err != nil {
			logger.Warn("script exited non-zero", "tag", tag, "path", path, "elapsed", elapsed, "stderr", stderr.String(), "error", err)
			return nil, agenterrors.Wrap(agenterrors.CodeScriptIOError, fmt.Sprintf("%s (%s) exited with error", tag, path), err)
		}
		logger.Debug("script completed", "tag", tag, "path", path, "elapsed", elapsed)
		return stdout.Bytes(), nil

	case <-runCtx.Done():
		killProcessGroup(cmd)
		<-waitDone // always reap, never leave a zombie
		logger.Warn("script timed out, process group killed", "tag", tag, "path", path, "max_wait", maxWait)
		return nil, agenterrors.New(agenterrors.CodeSubprocTimeout, fmt.Sprintf("%s (%s) exceeded %s", tag, path, maxWait))
	}
}

// killProcessGroup sends SIGKILL to the child's entire process group, so
// grandchildren spawned by the script (shells, helper binaries) die too.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
