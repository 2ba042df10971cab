// Package ptrace drives a single traced process on linux/amd64. Every call
// after Launch or Attach must come from the same OS thread; the kernel ties
// ptrace permissions to the attaching thread.
package ptrace

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Regs is the amd64 user register file as the kernel exposes it.
type Regs = unix.PtraceRegs

// SigInfo mirrors the leading fields of the kernel's siginfo_t on amd64.
// Addr overlays the start of the union and is only meaningful for fault
// signals (SIGSEGV, SIGBUS).
type SigInfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	Addr  uintptr
	_     [104]byte
}

// Tracee is one process under PTRACE control.
type Tracee struct {
	pid int
	cmd *exec.Cmd // non-nil when launched by us
}

// Launch starts path under tracing and waits for the stop at the end of its
// execve. The caller owns stdout/stderr wiring.
func Launch(path string, args []string, stdout, stderr *os.File) (*Tracee, error) {
	cmd := exec.Command(path, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %v", path, err)
	}
	t := &Tracee{pid: cmd.Process.Pid, cmd: cmd}

	status, err := t.Wait()
	if err != nil {
		return nil, err
	}
	if !status.Stopped() {
		return nil, fmt.Errorf("tracee %d did not stop after exec (status %#x)", t.pid, uint32(status))
	}
	// If the recorder dies, take the half-traced child with it.
	if err := unix.PtraceSetOptions(t.pid, unix.PTRACE_O_EXITKILL); err != nil {
		t.Kill()
		return nil, fmt.Errorf("failed to set ptrace options on pid %d: %v", t.pid, err)
	}
	return t, nil
}

// Attach seizes an already running process and waits for it to stop.
func Attach(pid int) (*Tracee, error) {
	if err := unix.PtraceAttach(pid); err != nil {
		return nil, fmt.Errorf("failed to attach to pid %d: %v", pid, err)
	}
	t := &Tracee{pid: pid}
	if _, err := t.Wait(); err != nil {
		unix.PtraceDetach(pid)
		return nil, err
	}
	return t, nil
}

// Pid returns the tracee's process id.
func (t *Tracee) Pid() int { return t.pid }

// Wait blocks until the tracee changes state and returns the wait status.
func (t *Tracee) Wait() (unix.WaitStatus, error) {
	var status unix.WaitStatus
	for {
		wpid, err := unix.Wait4(t.pid, &status, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return status, fmt.Errorf("failed to wait on pid %d: %v", t.pid, err)
		}
		if wpid == t.pid {
			return status, nil
		}
	}
}

// GetRegs reads the tracee's registers into regs.
func (t *Tracee) GetRegs(regs *Regs) error {
	if err := unix.PtraceGetRegs(t.pid, regs); err != nil {
		return fmt.Errorf("failed to read registers of pid %d: %v", t.pid, err)
	}
	return nil
}

// SetRegs writes regs back into the tracee.
func (t *Tracee) SetRegs(regs *Regs) error {
	if err := unix.PtraceSetRegs(t.pid, regs); err != nil {
		return fmt.Errorf("failed to write registers of pid %d: %v", t.pid, err)
	}
	return nil
}

// StepWithSignal executes one instruction, delivering sig on resume. A zero
// sig steps without delivering anything.
func (t *Tracee) StepWithSignal(sig int) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SINGLESTEP,
		uintptr(t.pid), 0, uintptr(sig), 0, 0)
	if errno != 0 {
		return fmt.Errorf("failed to single-step pid %d with signal %d: %v", t.pid, sig, errno)
	}
	return nil
}

// ContinueWithSignal resumes the tracee until its next stop, delivering sig
// (zero for none).
func (t *Tracee) ContinueWithSignal(sig int) error {
	if err := unix.PtraceCont(t.pid, sig); err != nil {
		return fmt.Errorf("failed to resume pid %d: %v", t.pid, err)
	}
	return nil
}

// SigInfo fetches the details of the signal that caused the current stop.
func (t *Tracee) SigInfo() (*SigInfo, error) {
	var si SigInfo
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO,
		uintptr(t.pid), 0, uintptr(unsafe.Pointer(&si)), 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("failed to read siginfo of pid %d: %v", t.pid, errno)
	}
	return &si, nil
}

// ReadMem copies len(buf) bytes out of the tracee's address space at addr.
func (t *Tracee) ReadMem(buf []byte, addr uintptr) (int, error) {
	n, err := unix.PtracePeekData(t.pid, addr, buf)
	if err != nil {
		return n, fmt.Errorf("failed to read %d bytes at %#x from pid %d: %v", len(buf), addr, t.pid, err)
	}
	return n, nil
}

// WriteMem copies buf into the tracee's address space at addr.
func (t *Tracee) WriteMem(buf []byte, addr uintptr) (int, error) {
	n, err := unix.PtracePokeData(t.pid, addr, buf)
	if err != nil {
		return n, fmt.Errorf("failed to write %d bytes at %#x into pid %d: %v", len(buf), addr, t.pid, err)
	}
	return n, nil
}

// Detach releases the tracee and lets it run freely.
func (t *Tracee) Detach() error {
	if err := unix.PtraceDetach(t.pid); err != nil {
		return fmt.Errorf("failed to detach from pid %d: %v", t.pid, err)
	}
	return nil
}

// Kill terminates the tracee outright and, for a launched child, reaps it.
func (t *Tracee) Kill() error {
	if err := unix.Kill(t.pid, unix.SIGKILL); err != nil {
		return err
	}
	if t.cmd != nil {
		t.cmd.Wait()
	}
	return nil
}
