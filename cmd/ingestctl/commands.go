package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ingestion-scheduler/internal/ingest"
	"ingestion-scheduler/internal/models"
)

// rootCmd is the ingestctl entry point. Subcommands talk to the API over HTTP.
func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "ingestctl",
		Short:        "ingestctl submits ingestion jobs and reports their status.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("addr", "http://localhost:8080", "API base URL")
	cmd.PersistentFlags().String("tenant", "", "tenant id sent as X-Tenant-ID")
	cmd.PersistentFlags().Duration("timeout", 10*time.Second, "per-request timeout")

	cmd.AddCommand(submitCmd(), statusCmd())
	return cmd
}

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a list of item ids at a priority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, _ := cmd.Flags().GetInt64Slice("ids")
			raw, _ := cmd.Flags().GetString("priority")
			priority, err := models.ParsePriority(raw)
			if err != nil {
				return err
			}
			if err := ingest.Validate(ids, priority); err != nil {
				return err
			}

			c := clientFromFlags(cmd)
			jobID, err := c.submit(cmd.Context(), ids, priority)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), jobID)
			return nil
		},
	}
	cmd.Flags().Int64Slice("ids", nil, "comma separated item ids")
	cmd.Flags().String("priority", string(models.PriorityMedium), "HIGH, MEDIUM or LOW")
	_ = cmd.MarkFlagRequired("ids")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show the status of a job and its batches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			watch, _ := cmd.Flags().GetBool("watch")
			interval, _ := cmd.Flags().GetDuration("interval")
			c := clientFromFlags(cmd)
			out := cmd.OutOrStdout()

			for {
				report, err := c.status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printReport(out, report)
				if !watch || report.Status == models.StatusCompleted {
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().Bool("watch", false, "poll until the job completes")
	cmd.Flags().Duration("interval", 2*time.Second, "poll interval for --watch")
	return cmd
}

func printReport(w io.Writer, r ingest.StatusReport) {
	fmt.Fprintf(w, "job %s priority=%s status=%s\n", r.JobID, r.Priority, r.Status)
	for _, b := range r.Batches {
		ids := make([]string, len(b.ItemIDs))
		for i, id := range b.ItemIDs {
			ids[i] = fmt.Sprint(id)
		}
		fmt.Fprintf(w, "  %s [%s] %s\n", b.BatchID, strings.Join(ids, ","), b.Status)
	}
}

type apiClient struct {
	base    string
	tenant  string
	timeout time.Duration
	http    *http.Client
}

func clientFromFlags(cmd *cobra.Command) *apiClient {
	addr, _ := cmd.Flags().GetString("addr")
	tenant, _ := cmd.Flags().GetString("tenant")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return &apiClient{
		base:    strings.TrimRight(addr, "/"),
		tenant:  tenant,
		timeout: timeout,
		http:    &http.Client{},
	}
}

func (c *apiClient) submit(ctx context.Context, ids []int64, priority models.Priority) (string, error) {
	body, err := json.Marshal(map[string]any{"ids": ids, "priority": priority})
	if err != nil {
		return "", err
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/ingest", body, http.StatusAccepted, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func (c *apiClient) status(ctx context.Context, jobID string) (ingest.StatusReport, error) {
	var out ingest.StatusReport
	err := c.do(ctx, http.MethodGet, "/status/"+jobID, nil, http.StatusOK, &out)
	return out, err
}

func (c *apiClient) do(ctx context.Context, method, path string, body []byte, want int, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
