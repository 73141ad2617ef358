// Package cli implements the CLI surface's thin signed-HTTP-client
// wrappers (list/show/stop/halt/escape/input/restart/resume) plus
// login/logout/whoami, which cache the gateway URL and client token the
// other subcommands need. User identity and role enforcement are an
// external collaborator (§2's Non-goals), so "login" has nothing to
// authenticate against beyond the shared HMAC token; it exists so an
// operator doesn't have to pass --gateway-url/--client-token on every call.
package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ctrlplane/gateway/internal/agentclient"
	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitConfig  = 2
)

type session struct {
	GatewayURL  string `json:"gatewayUrl"`
	ClientToken string `json:"clientToken"`
}

func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ctrlplane", "cli.json"), nil
}

func loadSession() (*session, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func saveSession(s *session) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// client resolves a gateway client from --gateway-url/--client-token flags,
// falling back to the cached login session.
func client(gatewayURL, clientToken *string) (*agentclient.Client, error) {
	url, token := *gatewayURL, *clientToken
	if url == "" || token == "" {
		s, err := loadSession()
		if err != nil {
			return nil, fmt.Errorf("not logged in and no --gateway-url/--client-token given: %w", err)
		}
		if url == "" {
			url = s.GatewayURL
		}
		if token == "" {
			token = s.ClientToken
		}
	}
	if url == "" || token == "" {
		return nil, fmt.Errorf("gateway URL and client token are required (run `login` or pass --gateway-url/--client-token)")
	}
	return agentclient.New(url, token), nil
}

// Login caches the gateway URL and client token for subsequent commands.
func Login(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	gatewayURL := fs.String("gateway-url", "", "gateway base URL")
	clientToken := fs.String("client-token", "", "shared HMAC client token")
	if err := fs.Parse(args); err != nil {
		return ExitConfig
	}
	if *gatewayURL == "" || *clientToken == "" {
		fmt.Fprintln(out, "--gateway-url and --client-token are required")
		return ExitConfig
	}
	if err := saveSession(&session{GatewayURL: *gatewayURL, ClientToken: *clientToken}); err != nil {
		fmt.Fprintf(out, "failed to save session: %v\n", err)
		return ExitFailure
	}
	fmt.Fprintf(out, "logged in to %s\n", *gatewayURL)
	return ExitSuccess
}

// Logout removes the cached session.
func Logout(out io.Writer) int {
	path, err := configPath()
	if err != nil {
		fmt.Fprintf(out, "failed to resolve config path: %v\n", err)
		return ExitFailure
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(out, "failed to remove session: %v\n", err)
		return ExitFailure
	}
	fmt.Fprintln(out, "logged out")
	return ExitSuccess
}

// Whoami prints the currently cached gateway URL.
func Whoami(out io.Writer) int {
	s, err := loadSession()
	if err != nil {
		fmt.Fprintln(out, "not logged in")
		return ExitFailure
	}
	fmt.Fprintf(out, "gateway: %s\n", s.GatewayURL)
	return ExitSuccess
}

// List prints every run, optionally filtered by --status.
func List(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	gatewayURL := fs.String("gateway-url", "", "gateway base URL")
	clientToken := fs.String("client-token", "", "shared HMAC client token")
	status := fs.String("status", "", "filter by run status")
	if err := fs.Parse(args); err != nil {
		return ExitConfig
	}
	c, err := client(gatewayURL, clientToken)
	if err != nil {
		fmt.Fprintln(out, err)
		return ExitConfig
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	path := "/api/runs"
	if *status != "" {
		path += "?status=" + *status
	}
	var resp struct {
		Runs []*v1.Run `json:"runs"`
	}
	if err := c.Do(ctx, "GET", path, nil, nil, &resp); err != nil {
		fmt.Fprintln(out, err)
		return ExitFailure
	}
	for _, r := range resp.Runs {
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", r.ID, r.WorkerType, r.Status, r.AssignedAgentID)
	}
	return ExitSuccess
}

// Show prints one run's full detail.
func Show(args []string, out io.Writer) int {
	return runIDCommand(args, out, "show", func(c *agentclient.Client, ctx context.Context, runID string) error {
		var run v1.Run
		if err := c.Do(ctx, "GET", "/api/runs/"+runID, nil, nil, &run); err != nil {
			return err
		}
		data, _ := json.MarshalIndent(run, "", "  ")
		fmt.Fprintln(out, string(data))
		return nil
	})
}

// Stop requests a graceful stop of a running run.
func Stop(args []string, out io.Writer) int {
	return verbCommand(args, out, "stop", "/stop")
}

// Halt requests an immediate kill of a running run.
func Halt(args []string, out io.Writer) int {
	return verbCommand(args, out, "halt", "/halt")
}

// Escape sends an interrupt (Ctrl-C) to the run's child process.
func Escape(args []string, out io.Writer) int {
	return verbCommand(args, out, "escape", "/escape")
}

// Input sends text to a run's stdin, optionally Ctrl-C-prefixed.
func Input(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("input", flag.ContinueOnError)
	gatewayURL := fs.String("gateway-url", "", "gateway base URL")
	clientToken := fs.String("client-token", "", "shared HMAC client token")
	text := fs.String("text", "", "text to send to the run's stdin")
	escape := fs.Bool("escape", false, "prefix with Ctrl-C before sending")
	if err := fs.Parse(args); err != nil {
		return ExitConfig
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(out, "usage: input <run-id> --text <text> [--escape]")
		return ExitConfig
	}
	c, err := client(gatewayURL, clientToken)
	if err != nil {
		fmt.Fprintln(out, err)
		return ExitConfig
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	body := map[string]interface{}{"input": *text, "escape": *escape}
	if err := c.Do(ctx, "POST", "/api/runs/"+fs.Arg(0)+"/input", body, nil, nil); err != nil {
		fmt.Fprintln(out, err)
		return ExitFailure
	}
	fmt.Fprintln(out, "input sent")
	return ExitSuccess
}

// Restart creates a new run from an existing one, optionally with a new
// command/working directory. Resume is Restart with --resume set, seeding working state
// from what the original run last persisted.
func Restart(args []string, out io.Writer) int { return restart(args, out, false) }
func Resume(args []string, out io.Writer) int  { return restart(args, out, true) }

func restart(args []string, out io.Writer, resumeDefault bool) int {
	fs := flag.NewFlagSet("restart", flag.ContinueOnError)
	gatewayURL := fs.String("gateway-url", "", "gateway base URL")
	clientToken := fs.String("client-token", "", "shared HMAC client token")
	command := fs.String("command", "", "new command/prompt (defaults to the original)")
	workingDir := fs.String("working-dir", "", "new working directory (defaults to the original)")
	resume := fs.Bool("resume", resumeDefault, "seed working state from the original run")
	if err := fs.Parse(args); err != nil {
		return ExitConfig
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(out, "usage: restart <run-id> [--command ...] [--working-dir ...] [--resume]")
		return ExitConfig
	}
	c, err := client(gatewayURL, clientToken)
	if err != nil {
		fmt.Fprintln(out, err)
		return ExitConfig
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	body := map[string]interface{}{"command": *command, "workingDir": *workingDir, "resume": *resume}
	var run v1.Run
	if err := c.Do(ctx, "POST", "/api/runs/"+fs.Arg(0)+"/restart", body, nil, &run); err != nil {
		fmt.Fprintln(out, err)
		return ExitFailure
	}
	fmt.Fprintf(out, "restarted as %s\n", run.ID)
	return ExitSuccess
}

func verbCommand(args []string, out io.Writer, name, suffix string) int {
	return runIDCommand(args, out, name, func(c *agentclient.Client, ctx context.Context, runID string) error {
		return c.Do(ctx, "POST", "/api/runs/"+runID+suffix, nil, nil, nil)
	})
}

func runIDCommand(args []string, out io.Writer, name string, fn func(*agentclient.Client, context.Context, string) error) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	gatewayURL := fs.String("gateway-url", "", "gateway base URL")
	clientToken := fs.String("client-token", "", "shared HMAC client token")
	if err := fs.Parse(args); err != nil {
		return ExitConfig
	}
	if fs.NArg() < 1 {
		fmt.Fprintf(out, "usage: %s <run-id>\n", name)
		return ExitConfig
	}
	c, err := client(gatewayURL, clientToken)
	if err != nil {
		fmt.Fprintln(out, err)
		return ExitConfig
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := fn(c, ctx, fs.Arg(0)); err != nil {
		fmt.Fprintln(out, err)
		return ExitFailure
	}
	fmt.Fprintf(out, "%s: ok\n", name)
	return ExitSuccess
}
