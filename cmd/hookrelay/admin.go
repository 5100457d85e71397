package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/hookrelay/internal/client"
	"github.com/mattjoyce/hookrelay/internal/config"
	"github.com/mattjoyce/hookrelay/internal/lock"
	"github.com/mattjoyce/hookrelay/internal/tui/watch"
)

const (
	defaultAdminURL = "http://127.0.0.1:8081"
	adminTimeout    = 10 * time.Second
)

// adminFlags registers the flags shared by commands that talk to a running
// relay.
type adminFlags struct {
	url   *string
	token *string
}

func registerAdminFlags(fs *flag.FlagSet) adminFlags {
	return adminFlags{
		url:   fs.String("admin-url", envAdminURL(), "Admin API URL"),
		token: fs.String("token", os.Getenv("ADMIN_TOKEN"), "Admin bearer token"),
	}
}

func (f adminFlags) client() (*client.Client, error) {
	if strings.TrimSpace(*f.token) == "" {
		return nil, errors.New("admin token required: use --token or the ADMIN_TOKEN env var")
	}
	return client.New(*f.url, *f.token), nil
}

func envAdminURL() string {
	if v := strings.TrimSpace(os.Getenv("RELAY_ADMIN_URL")); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_ADMIN_LISTEN")); v != "" {
		return adminURLFromListen(v)
	}
	return defaultAdminURL
}

// adminURLFromListen turns a listen address into a URL a local client can
// dial. Wildcard hosts become loopback.
func adminURLFromListen(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return defaultAdminURL
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func runQueueList(args []string) int {
	fs := flag.NewFlagSet("queue list", flag.ContinueOnError)
	admin := registerAdminFlags(fs)
	limit := fs.Int("limit", 50, "Maximum events to list")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	c, err := admin.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	res, err := c.Queue(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list queue: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(res)
	}

	st := res.Stats
	fmt.Printf("pending=%d in_flight=%d dead_lettered=%d dedup_keys=%d cooldown_keys=%d\n",
		st.Pending, st.InFlight, st.DeadLettered, st.DedupKeys, st.CooldownKeys)
	if st.OldestPendingAt != nil {
		fmt.Printf("oldest_pending_at=%s\n", st.OldestPendingAt.UTC().Format(time.RFC3339))
	}
	if len(res.Items) == 0 {
		fmt.Println("No queued events.")
		return 0
	}
	fmt.Printf("%-36s  %-6s  %-28s  %-9s  %-8s  %s\n", "EVENT", "SOURCE", "TYPE", "STATUS", "ATTEMPTS", "LAST ERROR")
	for _, p := range res.Items {
		fmt.Printf("%-36s  %-6s  %-28s  %-9s  %-8d  %s\n", p.EventID, p.Source, p.EventType, p.Status, p.Attempts, p.LastError)
	}
	return 0
}

func runDLQList(args []string) int {
	fs := flag.NewFlagSet("dlq list", flag.ContinueOnError)
	admin := registerAdminFlags(fs)
	limit := fs.Int("limit", 50, "Maximum entries to list")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	c, err := admin.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	res, err := c.DLQ(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list dead letters: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(res)
	}

	if len(res.Items) == 0 {
		fmt.Println("Dead letter queue is empty.")
		return 0
	}
	fmt.Printf("%-36s  %-6s  %-28s  %-8s  %-7s  %s\n", "EVENT", "SOURCE", "TYPE", "ATTEMPTS", "REPLAYS", "REASON")
	for _, d := range res.Items {
		fmt.Printf("%-36s  %-6s  %-28s  %-8d  %-7d  %s\n", d.EventID, d.Source, d.EventType, d.Attempts, d.ReplayCount, d.FailureReason)
	}
	return 0
}

func runDLQReplay(args []string) int {
	fs := flag.NewFlagSet("dlq replay", flag.ContinueOnError)
	admin := registerAdminFlags(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")

	// Accept the event id before or after flags.
	var eventID string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		eventID, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if eventID == "" && fs.NArg() == 1 {
		eventID = fs.Arg(0)
	}
	if eventID == "" || fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "Usage: hookrelay dlq replay <event-id> [--admin-url URL] [--token TOKEN]")
		return 1
	}

	c, err := admin.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	res, err := c.Replay(ctx, eventID)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			fmt.Fprintf(os.Stderr, "No dead-lettered event %s\n", eventID)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Replay failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(res)
	}
	fmt.Printf("Replay %s: %s (replay_count=%d)\n", res.EventID, res.Outcome, res.ReplayCount)
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	admin := registerAdminFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	c, err := admin.client()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(watch.New(ctx, c, c.BaseURL()))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

type systemStatus struct {
	LockPath  string            `json:"lock_path"`
	Running   bool              `json:"running"`
	PID       int               `json:"pid,omitempty"`
	AdminURL  string            `json:"admin_url"`
	Reachable bool              `json:"reachable"`
	Ready     string            `json:"ready,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("RELAY_CONFIG"), "Path to YAML configuration file (optional)")
	envFile := fs.String("env-file", config.DefaultEnvFile, "Path to dotenv file (optional)")
	adminURL := fs.String("admin-url", "", "Admin API URL (default: derived from admin_listen)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.LoadWith(config.Options{Path: *configPath, EnvFile: *envFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	status := systemStatus{LockPath: lock.PathFor(cfg.Store.Path)}
	status.Running, status.PID = lockHolder(status.LockPath)

	status.AdminURL = *adminURL
	if status.AdminURL == "" {
		status.AdminURL = adminURLFromListen(cfg.Server.AdminListen)
	}

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	ready, err := client.New(status.AdminURL, cfg.Admin.Token).Ready(ctx)
	if err != nil {
		status.Error = err.Error()
	} else {
		status.Reachable = true
		status.Ready = ready.Status
		status.Checks = ready.Checks
	}

	code := 0
	if status.Ready != "ready" {
		code = 1
	}

	if *jsonOut {
		if printJSON(status) != 0 {
			return 1
		}
		return code
	}

	if status.Running {
		fmt.Printf("Relay: running (pid %d, lock %s)\n", status.PID, status.LockPath)
	} else {
		fmt.Printf("Relay: not running (lock %s free)\n", status.LockPath)
	}
	if !status.Reachable {
		fmt.Printf("Admin API: unreachable at %s (%s)\n", status.AdminURL, status.Error)
		return code
	}
	fmt.Printf("Admin API: %s (%s)\n", status.Ready, status.AdminURL)
	for name, result := range status.Checks {
		fmt.Printf("  %-10s %s\n", name, result)
	}
	return code
}

// lockHolder probes the store lock without disturbing a running relay.
func lockHolder(path string) (bool, int) {
	l, err := lock.AcquirePIDLock(path)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			return true, held.PID
		}
		return false, 0
	}
	_ = l.Release()
	return false, 0
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

var _ watch.Admin = (*client.Client)(nil)
