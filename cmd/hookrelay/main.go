package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "queue":
		return runQueueNoun(args)
	case "dlq":
		return runDLQNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		if hasHelpFlag(args) {
			printSystemStartHelp()
			return 0
		}
		return runStart(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: hookrelay version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("hookrelay %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalized
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`hookrelay - Signed webhook relay for GitHub and Linear

Usage:
  hookrelay <noun> <action> [flags]

Core Resources (Nouns):
  system    Relay lifecycle and health
  config    Effective configuration
  queue     Pending deliveries
  dlq       Dead letter queue

System Commands:
  system start      Start the relay in foreground
  system status     Show lock holder and readiness
  system watch      Live operator dashboard

Config Commands:
  config check      Validate and print the effective configuration (secrets redacted)

Queue Commands:
  queue list        Show queue depth and pending events

DLQ Commands:
  dlq list          Show dead-lettered events
  dlq replay <id>   Requeue a dead-lettered event

Root Aliases:
  start             Same as 'system start'
  watch             Same as 'system watch'

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Queue, dlq and watch commands talk to a running relay's admin API.
Use 'hookrelay <noun> help' for action-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runQueueNoun(args []string) int {
	if len(args) < 1 {
		printQueueNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printQueueNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "list":
		if hasHelpFlag(args[1:]) {
			printQueueNounHelp(os.Stdout)
			return 0
		}
		return runQueueList(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown queue action: %s\n", args[0])
		return 1
	}
}

func runDLQNoun(args []string) int {
	if len(args) < 1 {
		printDLQNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printDLQNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printDLQNounHelp(os.Stdout)
			return 0
		}
		return runDLQList(actionArgs)
	case "replay":
		if hasHelpFlag(actionArgs) {
			printDLQNounHelp(os.Stdout)
			return 0
		}
		return runDLQReplay(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown dlq action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// --- HELP ---

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hookrelay system <start|status|watch> [flags]")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hookrelay config check [--config PATH] [--env-file PATH]")
	fmt.Fprintln(w, "Actions: check")
}

func printQueueNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hookrelay queue list [--admin-url URL] [--token TOKEN] [--limit N] [--json]")
	fmt.Fprintln(w, "Actions: list")
}

func printDLQNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hookrelay dlq <list|replay> [flags]")
	fmt.Fprintln(w, "  dlq list [--admin-url URL] [--token TOKEN] [--limit N] [--json]")
	fmt.Fprintln(w, "  dlq replay <event-id> [--admin-url URL] [--token TOKEN]")
	fmt.Fprintln(w, "Actions: list, replay")
}

func printSystemStartHelp() {
	fmt.Println("Usage: hookrelay system start [--config PATH] [--env-file PATH]")
	fmt.Println("Start the relay in the foreground. Configuration comes from the optional")
	fmt.Println("YAML file, the env file and the environment, in increasing precedence.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: hookrelay system status [--config PATH] [--admin-url URL] [--json]")
	fmt.Println("Report whether a relay holds the store lock and whether it is ready.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: hookrelay config check [--config PATH] [--env-file PATH]")
	fmt.Println("Validate configuration and print it with secrets redacted, plus its blake3 fingerprint.")
}

func printWatchHelp() {
	fmt.Println("Usage: hookrelay watch [flags]")
	fmt.Println()
	fmt.Println("Live operator dashboard: readiness, queue depth, per-source activity,")
	fmt.Println("dead letters and the relay event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --admin-url URL  Admin API URL (default: $RELAY_ADMIN_URL or http://127.0.0.1:8081)")
	fmt.Println("  --token TOKEN    Admin bearer token (or ADMIN_TOKEN env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Select dead letter")
	fmt.Println("  r                Replay selected dead letter")
}
