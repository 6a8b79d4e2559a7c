package monitors

import "strconv"

// Category buckets for syscall-number enrichment. The table is fixed
// per release; numbers are x86_64.
const (
	catFileIO  = "file_io"
	catNet     = "net"
	catMem     = "mem"
	catProcess = "process"
	catIPC     = "ipc"
	catOther   = "other"
)

type syscallInfo struct {
	name     string
	category string
}

var syscallTable = map[uint32]syscallInfo{
	0:   {"read", catFileIO},
	1:   {"write", catFileIO},
	2:   {"open", catFileIO},
	3:   {"close", catFileIO},
	4:   {"stat", catFileIO},
	5:   {"fstat", catFileIO},
	6:   {"lstat", catFileIO},
	7:   {"poll", catFileIO},
	8:   {"lseek", catFileIO},
	9:   {"mmap", catMem},
	10:  {"mprotect", catMem},
	11:  {"munmap", catMem},
	12:  {"brk", catMem},
	13:  {"rt_sigaction", catProcess},
	14:  {"rt_sigprocmask", catProcess},
	16:  {"ioctl", catFileIO},
	17:  {"pread64", catFileIO},
	18:  {"pwrite64", catFileIO},
	19:  {"readv", catFileIO},
	20:  {"writev", catFileIO},
	21:  {"access", catFileIO},
	22:  {"pipe", catIPC},
	23:  {"select", catFileIO},
	24:  {"sched_yield", catProcess},
	25:  {"mremap", catMem},
	26:  {"msync", catMem},
	27:  {"mincore", catMem},
	28:  {"madvise", catMem},
	29:  {"shmget", catIPC},
	30:  {"shmat", catIPC},
	31:  {"shmctl", catIPC},
	32:  {"dup", catFileIO},
	33:  {"dup2", catFileIO},
	35:  {"nanosleep", catProcess},
	39:  {"getpid", catProcess},
	40:  {"sendfile", catFileIO},
	41:  {"socket", catNet},
	42:  {"connect", catNet},
	43:  {"accept", catNet},
	44:  {"sendto", catNet},
	45:  {"recvfrom", catNet},
	46:  {"sendmsg", catNet},
	47:  {"recvmsg", catNet},
	48:  {"shutdown", catNet},
	49:  {"bind", catNet},
	50:  {"listen", catNet},
	51:  {"getsockname", catNet},
	52:  {"getpeername", catNet},
	53:  {"socketpair", catNet},
	54:  {"setsockopt", catNet},
	55:  {"getsockopt", catNet},
	56:  {"clone", catProcess},
	57:  {"fork", catProcess},
	58:  {"vfork", catProcess},
	59:  {"execve", catProcess},
	60:  {"exit", catProcess},
	61:  {"wait4", catProcess},
	62:  {"kill", catProcess},
	63:  {"uname", catOther},
	64:  {"semget", catIPC},
	65:  {"semop", catIPC},
	66:  {"semctl", catIPC},
	67:  {"shmdt", catIPC},
	68:  {"msgget", catIPC},
	69:  {"msgsnd", catIPC},
	70:  {"msgrcv", catIPC},
	71:  {"msgctl", catIPC},
	72:  {"fcntl", catFileIO},
	73:  {"flock", catFileIO},
	74:  {"fsync", catFileIO},
	75:  {"fdatasync", catFileIO},
	76:  {"truncate", catFileIO},
	77:  {"ftruncate", catFileIO},
	78:  {"getdents", catFileIO},
	79:  {"getcwd", catFileIO},
	80:  {"chdir", catFileIO},
	82:  {"rename", catFileIO},
	83:  {"mkdir", catFileIO},
	84:  {"rmdir", catFileIO},
	85:  {"creat", catFileIO},
	86:  {"link", catFileIO},
	87:  {"unlink", catFileIO},
	88:  {"symlink", catFileIO},
	89:  {"readlink", catFileIO},
	90:  {"chmod", catFileIO},
	92:  {"chown", catFileIO},
	95:  {"umask", catFileIO},
	96:  {"gettimeofday", catOther},
	97:  {"getrlimit", catProcess},
	98:  {"getrusage", catProcess},
	99:  {"sysinfo", catOther},
	102: {"getuid", catProcess},
	104: {"getgid", catProcess},
	107: {"geteuid", catProcess},
	110: {"getppid", catProcess},
	128: {"rt_sigtimedwait", catProcess},
	131: {"sigaltstack", catProcess},
	137: {"statfs", catFileIO},
	138: {"fstatfs", catFileIO},
	158: {"arch_prctl", catProcess},
	186: {"gettid", catProcess},
	202: {"futex", catIPC},
	217: {"getdents64", catFileIO},
	218: {"set_tid_address", catProcess},
	228: {"clock_gettime", catOther},
	230: {"clock_nanosleep", catProcess},
	231: {"exit_group", catProcess},
	232: {"epoll_wait", catFileIO},
	233: {"epoll_ctl", catFileIO},
	234: {"tgkill", catProcess},
	257: {"openat", catFileIO},
	258: {"mkdirat", catFileIO},
	262: {"newfstatat", catFileIO},
	263: {"unlinkat", catFileIO},
	270: {"pselect6", catFileIO},
	271: {"ppoll", catFileIO},
	281: {"epoll_pwait", catFileIO},
	284: {"eventfd", catIPC},
	288: {"accept4", catNet},
	290: {"eventfd2", catIPC},
	291: {"epoll_create1", catFileIO},
	292: {"dup3", catFileIO},
	293: {"pipe2", catIPC},
	302: {"prlimit64", catProcess},
	318: {"getrandom", catOther},
	322: {"execveat", catProcess},
	332: {"statx", catFileIO},
	435: {"clone3", catProcess},
	437: {"openat2", catFileIO},
	439: {"faccessat2", catFileIO},
}

// syscallName resolves nr to its name, falling back to "sys_<nr>".
func syscallName(nr uint32) string {
	if info, ok := syscallTable[nr]; ok {
		return info.name
	}
	return "sys_" + strconv.FormatUint(uint64(nr), 10)
}

// syscallCategory buckets nr into the fixed category set.
func syscallCategory(nr uint32) string {
	if info, ok := syscallTable[nr]; ok {
		return info.category
	}
	return catOther
}
