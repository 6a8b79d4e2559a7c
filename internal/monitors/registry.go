package monitors

import "github.com/whosneo/ebpf-monitor/internal/monitor"

// registry is the compile-time monitor table. The supervisor
// instantiates monitors from it by name; there is no runtime
// reflection or dynamic registration.
var registry = []monitor.Registration{
	{Name: "exec", New: NewExec},
	{Name: "func", New: NewFunc},
	{Name: "syscall", New: NewSyscall},
	{Name: "bio", New: NewBio},
	{Name: "open", New: NewOpen},
	{Name: "interrupt", New: NewInterrupt},
	{Name: "page_fault", New: NewPageFault},
	{Name: "context_switch", New: NewContextSwitch},
}

// Registry returns the full monitor table in registration order.
func Registry() []monitor.Registration {
	return registry
}

// Lookup returns the registration for name, if any.
func Lookup(name string) (monitor.Registration, bool) {
	for _, r := range registry {
		if r.Name == name {
			return r, true
		}
	}
	return monitor.Registration{}, false
}
