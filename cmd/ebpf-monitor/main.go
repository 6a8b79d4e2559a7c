package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/whosneo/ebpf-monitor/internal/app"
	"github.com/whosneo/ebpf-monitor/internal/capability"
	"github.com/whosneo/ebpf-monitor/internal/config"
	"github.com/whosneo/ebpf-monitor/internal/daemon"
	"github.com/whosneo/ebpf-monitor/internal/supervisor"
)

// Exit codes: 0 clean shutdown, 1 config error, 2 permission error,
// 3 load/attach failure, 4 runtime failure after start.
const (
	exitOK         = 0
	exitConfig     = 1
	exitPermission = 2
	exitLoad       = 3
	exitRuntime    = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		monitorList  string
		configPath   string
		outputDir    string
		verbose      bool
		daemonize    bool
		daemonStatus bool
		daemonStop   bool
	)

	rootCmd := &cobra.Command{
		Use:   "ebpf-monitor",
		Short: "Multi-subsystem Linux kernel telemetry collector",
		Long: `ebpf-monitor attaches eBPF programs to stable tracepoints and
selected kprobes, aggregates events into per-key counters in kernel
space, and drains them into per-monitor CSV files.`,
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if monitorList != "" {
				if err := cfg.SelectMonitors(splitList(monitorList)); err != nil {
					return err
				}
			}
			if outputDir != "" {
				cfg.OutputDir = outputDir
			}

			if daemonStatus {
				return reportDaemonStatus(cfg.PIDFile)
			}
			if daemonStop {
				return daemon.Stop(cfg.PIDFile, cfg.Defaults.StopTimeout.Std())
			}
			if daemonize && !daemon.InChild() {
				pid, err := daemon.Daemonize(cfg.PIDFile, os.Args[1:])
				if err != nil {
					return err
				}
				fmt.Printf("daemon started with pid %d\n", pid)
				return nil
			}

			return runCollector(cmd.Context(), cfg, verbose)
		},
	}

	rootCmd.Flags().StringVarP(&monitorList, "monitors", "m", "", "comma-separated monitors to enable; overrides config")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration file path")
	rootCmd.Flags().StringVar(&outputDir, "output-dir", "", "override CSV output directory")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "raise log level to debug")
	rootCmd.Flags().BoolVar(&daemonize, "daemon", false, "run as background process")
	rootCmd.Flags().BoolVar(&daemonStatus, "daemon-status", false, "inspect an existing daemon")
	rootCmd.Flags().BoolVar(&daemonStop, "daemon-stop", false, "stop an existing daemon")

	rootCmd.AddCommand(capabilitiesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCode(err)
	}
	return exitOK
}

func runCollector(ctx context.Context, cfg *config.Config, verbose bool) error {
	inDaemon := daemon.InChild()
	if inDaemon {
		if err := daemon.WritePID(cfg.PIDFile, os.Getpid()); err != nil {
			return err
		}
		defer daemon.Remove(cfg.PIDFile)
	}

	a, err := app.New(cfg, app.Options{
		Foreground: !inDaemon,
		Verbose:    verbose,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Run(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func splitList(s string) []string {
	var names []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			names = append(names, part)
		}
	}
	return names
}

func reportDaemonStatus(pidFile string) error {
	st, pid, err := daemon.Status(pidFile)
	if err != nil {
		return err
	}
	if pid > 0 {
		fmt.Printf("%s (pid %d)\n", st, pid)
	} else {
		fmt.Println(st)
	}
	return nil
}

func capabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "Probe the kernel and print the capability report",
		RunE: func(cmd *cobra.Command, args []string) error {
			caps, err := capability.Probe()
			if err != nil {
				return err
			}

			type check struct {
				name string
				ok   bool
				note string
			}
			checks := []check{
				{"tracefs", caps.TracefsRoot != "", caps.TracefsRoot},
				{"BTF (vmlinux)", caps.BTF, ""},
				{"exec tracepoints", caps.HasTracepoint("syscalls", "sys_enter_execve"), "syscalls:sys_enter_execve"},
				{"raw syscall exit", caps.HasTracepoint("raw_syscalls", "sys_exit"), "raw_syscalls:sys_exit"},
				{"block tracepoints", caps.HasTracepoint("block", "block_rq_issue"), "block:block_rq_issue"},
				{"irq tracepoints", caps.HasTracepoint("irq", "irq_handler_exit"), "irq:irq_handler_exit"},
				{"page fault tracepoints", caps.HasTracepoint("exceptions", "page_fault_user"), "exceptions:page_fault_user"},
				{"sched tracepoints", caps.HasTracepoint("sched", "sched_switch"), "sched:sched_switch"},
				{"execve kprobe fallback", caps.FirstKsym("__x64_sys_execve", "__ia32_sys_execve", "sys_execve") != "", ""},
			}

			fmt.Printf("kernel %s\n\n", caps.KernelRelease)
			for _, c := range checks {
				mark := "ok  "
				if !c.ok {
					mark = "MISS"
				}
				dots := strings.Repeat(".", 28-len(c.name))
				fmt.Printf("[%s] %s %s %s\n", mark, c.name, dots, c.note)
			}
			return nil
		},
	}
}

// exitCode maps the error taxonomy onto the documented exit codes.
func exitCode(err error) int {
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	if errors.Is(err, supervisor.ErrPermission) {
		return exitPermission
	}
	if errors.Is(err, supervisor.ErrAllMonitorsFailed) {
		return exitLoad
	}
	return exitRuntime
}
