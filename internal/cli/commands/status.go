package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/syscollective/saltpeter/internal/config"
)

const statusTimeout = 2 * time.Second

type versionResponse struct {
	Version   string `json:"version"`
	LastBuild string `json:"last_build"`
}

type runningInstanceResponse struct {
	InstanceID string   `json:"instance_id"`
	Name       string   `json:"name"`
	Started    string   `json:"started"`
	Machines   []string `json:"machines"`
}

// NewStatusCommand creates the status subcommand.
func NewStatusCommand() *cobra.Command {
	var (
		host       string
		port       int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show saltpeterd status",
		Long:  `Query the UI endpoint for the daemon's version and currently running instances.`,
		Example: `  saltpeterd status
  saltpeterd status --host 127.0.0.1 --port 8900 --json`,
		Run: func(cmd *cobra.Command, args []string) {
			actualPort := port
			if actualPort == 0 {
				if cfg, err := config.Load(); err == nil && cfg.UIEndpoint.Port > 0 {
					actualPort = cfg.UIEndpoint.Port
				} else {
					actualPort = 8900
				}
			}
			runStatus(cmd.OutOrStdout(), host, actualPort, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "UI endpoint host")
	cmd.Flags().IntVar(&port, "port", 0, "UI endpoint port (default: from config file, or 8900)")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	return cmd
}

func runStatus(out io.Writer, host string, port int, jsonOutput bool) {
	ver, running, err := fetchStatus(host, port)

	if jsonOutput {
		if err != nil {
			fmt.Fprintf(out, `{"running": false, "error": "%s"}`, err.Error())
			fmt.Fprintln(out)
			return
		}
		data, _ := json.MarshalIndent(map[string]any{"version": ver, "running": running}, "", "  ")
		fmt.Fprintln(out, string(data))
		return
	}

	if err != nil {
		fmt.Fprintln(out, "saltpeterd: not running")
		fmt.Fprintln(out, "Start it with: saltpeterd serve")
		return
	}

	fmt.Fprintf(out, "saltpeterd:  running on %s:%d\n", host, port)
	fmt.Fprintf(out, "Version:     %s (built %s)\n", ver.Version, ver.LastBuild)
	fmt.Fprintf(out, "Running:     %d instance(s)\n", len(running))
	for _, r := range running {
		fmt.Fprintf(out, "  %-20s %-16s machines=%v\n", r.Name, r.InstanceID, r.Machines)
	}
}

func fetchStatus(host string, port int) (versionResponse, []runningInstanceResponse, error) {
	client := &http.Client{Timeout: statusTimeout}
	base := fmt.Sprintf("http://%s:%d", host, port)

	var ver versionResponse
	if err := getJSON(client, base+"/version", &ver); err != nil {
		return ver, nil, fmt.Errorf("cannot connect to saltpeterd: %w", err)
	}

	var running []runningInstanceResponse
	if err := getJSON(client, base+"/running", &running); err != nil {
		return ver, nil, fmt.Errorf("fetching running instances: %w", err)
	}

	return ver, running, nil
}

func getJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
