// Command coroctl is an interactive console for inspecting a running
// fleet's Processors. Grounded on the teacher's cmd/cli.go REPL (isatty
// gate on history/interactive mode, liner-based prompt/line editing),
// adapted from a RESP command shell to a stats/introspection shell since
// this module has no wire protocol to interpret.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"

	"github.com/fzft/corosched/corocfg"
	"github.com/fzft/corosched/corolog"
	"github.com/fzft/corosched/processor"
	"github.com/fzft/corosched/scheduler"
)

const (
	histFileEnv     = "COROCTL_HISTFILE"
	histFileDefault = ".coroctl_history"
)

func main() {
	cfgPath := flag.String("config", "", "path to an INI config file (coroutine/scheduler/epoll/tcp sections)")
	workers := flag.Int("workers", 0, "override scheduler.threads from the config file")
	flag.Parse()

	corolog.Init(nil)
	defer corolog.Sync()

	cfg := corocfg.Default()
	if *cfgPath != "" {
		loaded, err := corocfg.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "coroctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *workers > 0 {
		cfg.SchedulerThreads = *workers
	}

	s := scheduler.New(processor.Config{
		StackSizeBytes: cfg.StackSizeBytes,
		EpollTimeoutMs: cfg.EpollTimeoutMs,
	})
	if err := s.SetWorkerCount(cfg.SchedulerThreads); err != nil {
		fmt.Fprintf(os.Stderr, "coroctl: %v\n", err)
		os.Exit(1)
	}
	s.StartAsync()
	defer s.Stop(context.Background())

	fmt.Printf("coroctl: fleet started with %d processor(s)\n", cfg.SchedulerThreads)
	repl(s)
}

func repl(s *scheduler.Scheduler) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	interactive := isatty.IsTerminal(os.Stdin.Fd())
	var historyFile string
	if interactive {
		historyFile = dotfilePath(histFileEnv, histFileDefault)
		if f, err := os.Open(historyFile); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}

	for {
		input, err := line.Prompt("coroctl> ")
		if err != nil {
			break
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if !dispatch(s, input) {
			break
		}
	}

	if interactive && historyFile != "" {
		if f, err := os.Create(historyFile); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}
}

// dispatch runs one command and reports whether the REPL should keep
// looping.
func dispatch(s *scheduler.Scheduler, input string) bool {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return false
	case "help":
		printHelp()
	case "stats":
		printStats(s)
	case "runafter":
		if len(fields) < 2 {
			fmt.Println("usage: runafter <ms>")
			return true
		}
		ms, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Printf("invalid duration: %v\n", err)
			return true
		}
		start := time.Now()
		s.RunAfter("coroctl-probe", time.Duration(ms)*time.Millisecond, func() {
			fmt.Printf("\n[timer fired after %s]\ncoroctl> ", time.Since(start))
		})
		fmt.Printf("armed one-shot timer for %dms\n", ms)
	default:
		fmt.Printf("unknown command %q, try 'help'\n", fields[0])
	}
	return true
}

func printHelp() {
	fmt.Print(`available commands:
  stats             show per-processor load/runnable/pending/timer snapshot
  runafter <ms>     arm a one-shot probe timer and report when it fires
  help              show this text
  quit              exit
`)
}

func printStats(s *scheduler.Scheduler) {
	for _, p := range s.Processors() {
		st := p.SnapshotStats()
		next := "-"
		if st.HasNextTimer {
			next = st.NextTimerIn.Round(time.Millisecond).String()
		}
		fmt.Printf("%-12s phase=%-10s load=%-4d runnable=%-4d idle=%-4d pending=%-4d next_timer=%s\n",
			p.Name(), st.Phase, st.Load, st.RunnableDepth, st.IdleShells, st.PendingTasks, next)
	}
}

func dotfilePath(envOverride, dotFilename string) string {
	if path := os.Getenv(envOverride); path != "" {
		if path == "/dev/null" {
			return ""
		}
		return path
	}
	home := os.Getenv("HOME")
	if home == "" {
		return ""
	}
	return home + "/" + dotFilename
}
