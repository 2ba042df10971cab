package types

import "fmt"

// Conventional names for Linux signal numbers on x86-64.
var signalNames = map[int]string{
	1:  "SIGHUP",
	2:  "SIGINT",
	3:  "SIGQUIT",
	4:  "SIGILL",
	5:  "SIGTRAP",
	6:  "SIGABRT",
	7:  "SIGBUS",
	8:  "SIGFPE",
	9:  "SIGKILL",
	10: "SIGUSR1",
	11: "SIGSEGV",
	12: "SIGUSR2",
	13: "SIGPIPE",
	14: "SIGALRM",
	15: "SIGTERM",
	16: "SIGSTKFLT",
	17: "SIGCHLD",
	18: "SIGCONT",
	19: "SIGSTOP",
	20: "SIGTSTP",
	21: "SIGTTIN",
	22: "SIGTTOU",
	23: "SIGURG",
	24: "SIGXCPU",
	25: "SIGXFSZ",
	26: "SIGVTALRM",
	27: "SIGPROF",
	28: "SIGWINCH",
	29: "SIGIO",
	30: "SIGPWR",
	31: "SIGSYS",
}

// SignalName returns the conventional name for a signal number, or a
// numeric form for realtime and unknown signals.
func SignalName(sig int) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	if sig >= 32 && sig <= 64 {
		return fmt.Sprintf("SIGRT%d", sig-32)
	}
	return fmt.Sprintf("SIG%d", sig)
}

// Origin codes shared by all signals, used when the signal was sent rather
// than raised by the tracee's own execution.
var senderCodeNames = map[int]string{
	0:   "SI_USER",
	128: "SI_KERNEL",
	-1:  "SI_QUEUE",
	-2:  "SI_TIMER",
	-3:  "SI_MESGQ",
	-4:  "SI_ASYNCIO",
	-5:  "SI_SIGIO",
	-6:  "SI_TKILL",
}

// Fault-specific origin codes, keyed by signal number.
var faultCodeNames = map[int]map[int]string{
	4:  {1: "ILL_ILLOPC", 2: "ILL_ILLOPN", 3: "ILL_ILLADR", 4: "ILL_ILLTRP", 5: "ILL_PRVOPC", 6: "ILL_PRVREG", 7: "ILL_COPROC", 8: "ILL_BADSTK"},
	5:  {1: "TRAP_BRKPT", 2: "TRAP_TRACE", 3: "TRAP_BRANCH", 4: "TRAP_HWBKPT"},
	7:  {1: "BUS_ADRALN", 2: "BUS_ADRERR", 3: "BUS_OBJERR", 4: "BUS_MCEERR_AR", 5: "BUS_MCEERR_AO"},
	8:  {1: "FPE_INTDIV", 2: "FPE_INTOVF", 3: "FPE_FLTDIV", 4: "FPE_FLTOVF", 5: "FPE_FLTUND", 6: "FPE_FLTRES", 7: "FPE_FLTINV", 8: "FPE_FLTSUB"},
	11: {1: "SEGV_MAPERR", 2: "SEGV_ACCERR", 3: "SEGV_BNDERR", 4: "SEGV_PKUERR"},
	29: {1: "POLL_IN", 2: "POLL_OUT", 3: "POLL_MSG", 4: "POLL_ERR", 5: "POLL_PRI", 6: "POLL_HUP"},
}

// SigCodeName names a siginfo origin code for logs. Positive fault codes are
// signal-specific; sender codes apply to every signal.
func SigCodeName(sig, code int) string {
	if codes, ok := faultCodeNames[sig]; ok {
		if name, ok := codes[code]; ok {
			return name
		}
	}
	if name, ok := senderCodeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", code)
}
