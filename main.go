// Package main provides the minutesctl entry point.
// minutesctl runs the meeting minutes service and operates on its sessions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/minutes-admin/cmd"
	"github.com/otherjamesbrown/minutes-admin/pkg/buildinfo"
)

const cliName = "minutesctl"

var (
	versionEndpoints  []string
	versionOutputJSON bool
)

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print the version, commit hash, and build time of minutesctl.

Use --endpoint to also query the /version route of running services.`,
	Example: `  minutesctl version
  minutesctl version --endpoint http://minutes-api:8080 --endpoint http://minutes-worker:8081
  minutesctl version --endpoint http://minutes-api:8080 --output-json`,
	RunE: func(c *cobra.Command, args []string) error {
		return runVersion(c.Context(), c.OutOrStdout(), versionEndpoints, versionOutputJSON)
	},
}

type versionResult struct {
	Info buildinfo.Info
	Err  error
}

func runVersion(ctx context.Context, out io.Writer, endpoints []string, asJSON bool) error {
	info := buildinfo.Get(cliName, "")
	if len(endpoints) == 0 && !asJSON {
		fmt.Fprintf(out, "%s version %s\n", cliName, info.Version)
		fmt.Fprintf(out, "  commit:     %s\n", info.Commit)
		fmt.Fprintf(out, "  built:      %s\n", info.BuildTime)
		return nil
	}

	results := []versionResult{{Info: info}}
	httpClient := &http.Client{Timeout: 5 * time.Second}
	for _, endpoint := range endpoints {
		results = append(results, fetchVersion(ctx, httpClient, endpoint))
	}

	if asJSON {
		infos := make([]buildinfo.Info, len(results))
		for i, r := range results {
			infos[i] = r.Info
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	fmt.Fprintf(out, "%-25s %-8s %-12s %-10s %s\n", "SERVICE", "ROLE", "VERSION", "COMMIT", "BUILT")
	for _, r := range results {
		version, commit, built := r.Info.Version, r.Info.Commit, r.Info.BuildTime
		if r.Err != nil {
			commit, built = "-", "-"
		}
		if len(commit) > 10 {
			commit = commit[:10]
		}
		if len(built) > 20 {
			built = built[:20]
		}
		role := r.Info.Role
		if role == "" {
			role = "-"
		}
		fmt.Fprintf(out, "%-25s %-8s %-12s %-10s %s\n", r.Info.ServiceName, role, version, commit, built)
	}
	return nil
}

func fetchVersion(ctx context.Context, client *http.Client, endpoint string) versionResult {
	url := strings.TrimRight(endpoint, "/") + "/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return versionResult{Info: buildinfo.Info{ServiceName: endpoint, Version: "error"}, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return versionResult{Info: buildinfo.Info{ServiceName: endpoint, Version: "unreachable"}, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return versionResult{
			Info: buildinfo.Info{ServiceName: endpoint, Version: "error"},
			Err:  fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}
	var info buildinfo.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return versionResult{Info: buildinfo.Info{ServiceName: endpoint, Version: "error"}, Err: err}
	}
	return versionResult{Info: info}
}

// newRootCommand assembles the command tree. open wires the service for the
// commands that need it.
func newRootCommand(open cmd.AppOpener) *cobra.Command {
	root := &cobra.Command{
		Use:   cliName,
		Short: "Meeting minutes service and operator CLI",
		Long: `minutesctl runs the meeting minutes service and operates on its sessions.

Recorded meeting sessions are transcribed, summarized into one note per agenda
item, mined for action items, rendered to a PDF and emailed to the attendees.

Configuration comes from environment variables, optionally layered over a YAML
file named by MINUTES_CONFIG. A missing required variable fails the command
with "Missing <NAME>".

COMMON WORKFLOWS:
  Run the service:    minutesctl db migrate  →  minutesctl serve
  Scale processing:   minutesctl worker   (requires REDIS_URL)
  Process by hand:    minutesctl process --meeting <id> --session <id>
  Send again:         minutesctl resend --meeting <id> --session <id>
  Share a link:       minutesctl pdf-url --session <id>`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddGroup(
		&cobra.Group{ID: "service", Title: "Service:"},
		&cobra.Group{ID: "sessions", Title: "Sessions:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	pipelineDeps := cmd.DefaultPipelineDeps(open)
	for _, c := range []struct {
		group string
		cmd   *cobra.Command
	}{
		{"service", cmd.NewServeCommand(open)},
		{"service", cmd.NewWorkerCommand(open)},
		{"sessions", cmd.NewProcessCommand(pipelineDeps)},
		{"sessions", cmd.NewResendCommand(pipelineDeps)},
		{"sessions", cmd.NewPDFURLCommand(pipelineDeps)},
		{"setup", cmd.NewDbCommand()},
		{"setup", versionCmd},
	} {
		c.cmd.GroupID = c.group
		root.AddCommand(c.cmd)
	}
	return root
}

func init() {
	versionCmd.Flags().StringSliceVar(&versionEndpoints, "endpoint", nil, "Base URL of a running service to query (repeatable)")
	versionCmd.Flags().BoolVar(&versionOutputJSON, "output-json", false, "Output as JSON")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newRootCommand(cmd.OpenApp).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
