package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"google.golang.org/protobuf/encoding/protojson"

	"github.com/matheus3301/maksum/internal/config"
	"github.com/matheus3301/maksum/internal/daemon"
	"github.com/matheus3301/maksum/internal/lock"
	"github.com/matheus3301/maksum/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		fatal(err)
	}
	sessionName, err := session.Resolve(*sessionFlag, cfg)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, sessionName, *jsonFlag)
	case "sessions":
		if len(args) >= 2 && args[1] == "list" {
			cmdSessionsList(*jsonFlag)
		} else {
			fmt.Fprintln(os.Stderr, "usage: maksumctl sessions list")
			os.Exit(1)
		}
	case "config":
		if len(args) >= 2 && args[1] == "init" {
			cmdConfigInit()
		} else {
			fmt.Fprintln(os.Stderr, "usage: maksumctl config init")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: maksumctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status           Show daemon health for the session")
	fmt.Fprintln(os.Stderr, "  sessions list    List known sessions")
	fmt.Fprintln(os.Stderr, "  config init      Write the default config if none exists")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdStatus(ctx context.Context, sessionName string, jsonOut bool) {
	c, err := daemon.Dial(session.SocketPath(sessionName))
	if err != nil {
		fatal(err)
	}
	defer func() { _ = c.Close() }()

	resps, err := c.Check(ctx)
	if err != nil {
		pid, held, _ := lock.Inspect(session.Dir(sessionName))
		if held {
			fatal(fmt.Errorf("daemon for session %q (pid %d) is not answering: %w", sessionName, pid, err))
		}
		fatal(fmt.Errorf("no daemon running for session %q", sessionName))
	}

	if jsonOut {
		out := make(map[string]json.RawMessage, len(resps))
		for i, resp := range resps {
			b, err := protojson.Marshal(resp)
			if err != nil {
				fatal(err)
			}
			out[serviceLabel(daemon.Services[i])] = b
		}
		outputJSON(out)
		return
	}
	fmt.Printf("Session: %s\n", sessionName)
	for i, resp := range resps {
		fmt.Printf("%-16s %s\n", serviceLabel(daemon.Services[i])+":", resp.Status)
	}
}

func serviceLabel(service string) string {
	if service == "" {
		return "daemon"
	}
	return service
}

type sessionInfo struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	DaemonRunning bool   `json:"daemon_running"`
	PID           int    `json:"pid,omitempty"`
}

func cmdSessionsList(jsonOut bool) {
	names, err := session.List()
	if err != nil {
		fatal(err)
	}
	infos := make([]sessionInfo, 0, len(names))
	for _, name := range names {
		info := sessionInfo{Name: name, Path: session.Dir(name)}
		if pid, held, err := lock.Inspect(info.Path); err == nil && held {
			info.DaemonRunning, info.PID = true, pid
		}
		infos = append(infos, info)
	}
	if jsonOut {
		outputJSON(infos)
		return
	}
	if len(infos) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, s := range infos {
		running := "stopped"
		if s.DaemonRunning {
			running = fmt.Sprintf("running, pid %d", s.PID)
		}
		fmt.Printf("%-20s %s (%s)\n", s.Name, s.Path, running)
	}
}

func cmdConfigInit() {
	path := session.ConfigPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists at %s\n", path)
		return
	} else if !errors.Is(err, fs.ErrNotExist) {
		fatal(err)
	}
	if err := config.Save(path, config.Default()); err != nil {
		fatal(err)
	}
	fmt.Printf("Wrote %s\n", path)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
