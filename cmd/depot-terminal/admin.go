package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/truar/DepotVente-sub001/internal/statusapi"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync status of the running terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		body, err := callStatusAPI(cmd.Context(), cfg.Terminal.StatusAddr, http.MethodGet, "/api/sync/status")
		if err != nil {
			return err
		}
		if asJSON {
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return nil
		}

		var st statusapi.Status
		if err := json.Unmarshal(body, &st); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Replace the local data with a full snapshot from the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := callStatusAPI(cmd.Context(), cfg.Terminal.StatusAddr, http.MethodPost, "/api/sync/resync"); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Full resync queued")
		return nil
	},
}

var clearFailedCmd = &cobra.Command{
	Use:   "clear-failed",
	Short: "Discard operations that exhausted their retries",
	Long: `clear-failed discards every outbox operation that reached the retry limit.
With --retry the operations are reset to pending with a fresh retry budget
instead, and the push engine is woken up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		retry, _ := cmd.Flags().GetBool("retry")

		method, key := http.MethodDelete, "discarded"
		path := "/api/sync/failed"
		if retry {
			method, key, path = http.MethodPost, "reset", "/api/sync/failed/retry"
		}
		body, err := callStatusAPI(cmd.Context(), cfg.Terminal.StatusAddr, method, path)
		if err != nil {
			return err
		}
		var resp map[string]int
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d operation(s) %s\n", resp[key], key)
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the raw JSON status")
	clearFailedCmd.Flags().Bool("retry", false, "reset exhausted operations instead of discarding them")
	rootCmd.AddCommand(statusCmd, resyncCmd, clearFailedCmd)
}

func callStatusAPI(ctx context.Context, addr, method, path string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("terminal not reachable at %s (is `depot-terminal run` started?): %w", addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func printStatus(out io.Writer, st statusapi.Status) {
	onOff := func(b bool, yes, no string) string {
		if b {
			return yes
		}
		return no
	}
	lastSync := "never"
	if st.LastSync != nil {
		lastSync = time.UnixMilli(*st.LastSync).Format(time.RFC3339)
	}

	fmt.Fprintf(out, "Sync:        %s, %s\n", onOff(st.IsRunning, "running", "stopped"), onOff(st.IsOnline, "online", "offline"))
	fmt.Fprintf(out, "Last sync:   %s\n", lastSync)
	fmt.Fprintf(out, "Stream:      %s\n", st.Stream)
	fmt.Fprintf(out, "Outbox:      %d pending, %d syncing, %d failed (%d need attention)\n",
		st.Outbox.Pending, st.Outbox.Syncing, st.Outbox.Failed, st.Outbox.Exhausted)
	fmt.Fprintf(out, "Retries:     %d scheduled\n", st.ScheduledRetries)
	if st.LastError != "" {
		fmt.Fprintf(out, "Last error:  %s\n", st.LastError)
	}
}
