package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/siriusone-bridge/status"
)

// NewStatusCommand returns the status subcommand, which renders the status
// endpoint of a running bridge.
func NewStatusCommand() *cobra.Command {
	var (
		addr    string
		limit   int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show registration, statistics and pending reports of a running bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client := &http.Client{Timeout: timeout}
			base := strings.TrimRight(addr, "/")
			if !strings.Contains(base, "://") {
				base = "http://" + base
			}

			st, pending, err := fetchStatus(ctx, client, base, limit)
			if err != nil {
				return err
			}
			return renderStatus(st, pending)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8089", "Address of the bridge status endpoint")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of pending reports to list (0 lists all)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

func fetchStatus(ctx context.Context, client *http.Client, base string, limit int) (status.Status, status.Pending, error) {
	var st status.Status
	if err := getJSON(ctx, client, base+"/status", &st); err != nil {
		return status.Status{}, status.Pending{}, err
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	var pending status.Pending
	if err := getJSON(ctx, client, base+"/pending?"+q.Encode(), &pending); err != nil {
		return status.Status{}, status.Pending{}, err
	}
	return st, pending, nil
}

func getJSON(ctx context.Context, client *http.Client, target string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", target, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", target, err)
	}
	return nil
}

func overviewTable(st status.Status) pterm.TableData {
	data := pterm.TableData{
		{"Field", "Value"},
		{"Plugin", st.Plugin},
		{"Registration", st.Registration},
		{"Uptime", st.Uptime},
	}
	if t := st.LastTransition; t != nil {
		data = append(data, []string{"Last transition", fmt.Sprintf("%s -> %s at %s", t.From, t.To, t.At.Format(time.RFC3339))})
	}
	if !st.Stats.LastPoll.IsZero() {
		data = append(data, []string{"Last poll", st.Stats.LastPoll.Format(time.RFC3339)})
	}
	if st.Stats.LastError != "" {
		data = append(data, []string{"Last error", st.Stats.LastError})
	}
	return data
}

func countersTable(st status.Status) pterm.TableData {
	s := st.Stats
	row := func(name string, n int) []string { return []string{name, strconv.Itoa(n)} }
	return pterm.TableData{
		{"Counter", "Value"},
		row("Polls", s.Polls),
		row("Mails scanned", s.Scanned),
		row("Mails processed", s.Processed),
		row("Mails failed", s.Failed),
		row("Mails skipped", s.Skipped),
		row("Reports dispatched", s.Dispatched),
		row("Reports retried", s.Retried),
		row("Reports cached", s.Cached),
		row("Duplicates", s.Duplicates),
		row("Invalid frames", s.InvalidFrames),
		row("Attachments failed", s.AttachmentsFailed),
		row("Errors", s.Errors),
		row("Pending", st.Pending.Len),
		row("Pending evicted", st.Pending.Evicted),
		row("Pending expired", st.Pending.Expired),
		row("Fingerprints kept", st.Delivered.Processed),
	}
}

func pendingTable(p status.Pending) pterm.TableData {
	data := pterm.TableData{{"ID", "Device", "Position time", "Cached at", "Attempts", "Last error"}}
	for _, e := range p.Entries {
		data = append(data, []string{
			e.ID,
			e.Report.DeviceID(),
			e.Report.PositionTime.Format(time.RFC3339),
			e.CachedAt.Format(time.RFC3339),
			strconv.Itoa(e.Attempts),
			e.LastError,
		})
	}
	return data
}

func renderStatus(st status.Status, p status.Pending) error {
	pterm.DefaultSection.Println("Bridge")
	if err := pterm.DefaultTable.WithHasHeader().WithData(overviewTable(st)).Render(); err != nil {
		return err
	}

	pterm.DefaultSection.Println("Statistics")
	if err := pterm.DefaultTable.WithHasHeader().WithData(countersTable(st)).Render(); err != nil {
		return err
	}

	pterm.DefaultSection.Println("Pending reports")
	if len(p.Entries) == 0 {
		pterm.Success.Println("No undelivered reports")
		return nil
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(pendingTable(p)).Render(); err != nil {
		return err
	}
	if p.Stats.Len > len(p.Entries) {
		pterm.Info.Printf("%d of %d pending reports shown\n", len(p.Entries), p.Stats.Len)
	}
	return nil
}
