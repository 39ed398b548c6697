package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vladislavdragonenkov/marketplace/internal/httpapi"
	"github.com/vladislavdragonenkov/marketplace/internal/scheduler"
)

const (
	adminTokenTTL  = 5 * time.Minute
	adminUserID    = "marketplacectl"
	requestTimeout = 2 * time.Minute
)

func jobsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and trigger background jobs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered jobs and their last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAdminClient(v)
			if err != nil {
				return err
			}
			var resp struct {
				Jobs []scheduler.Status `json:"jobs"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, "/api/v2/admin/jobs", &resp); err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), resp.Jobs)
		},
	}

	run := &cobra.Command{
		Use:   "run <name>",
		Short: "Run a job now and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(v)
			if err != nil {
				return err
			}
			var st scheduler.Status
			path := "/api/v2/admin/jobs/" + url.PathEscape(args[0]) + "/run"
			if err := client.do(cmd.Context(), http.MethodPost, path, &st); err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), []scheduler.Status{st})
		},
	}

	cmd.AddCommand(list, run)
	return cmd
}

// adminClient ходит в admin API с bearer-токеном.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient(v *viper.Viper) (*adminClient, error) {
	base := strings.TrimRight(strings.TrimSpace(v.GetString(flagAPIURL)), "/")
	if base == "" {
		return nil, fmt.Errorf("--api-url is required")
	}
	token := strings.TrimSpace(v.GetString(flagToken))
	if token == "" {
		secret := v.GetString(flagSecret)
		if secret == "" {
			return nil, fmt.Errorf("either --token or JWT_SECRET is required")
		}
		var err error
		token, err = mintToken(secret, v.GetString("jwt_alg"), httpapi.Principal{UserID: adminUserID, Role: httpapi.RoleAdmin}, adminTokenTTL)
		if err != nil {
			return nil, err
		}
	}
	return &adminClient{baseURL: base, token: token, http: &http.Client{Timeout: requestTimeout}}, nil
}

func (c *adminClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %d %s: %s", method, path, resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func printJobs(w io.Writer, jobs []scheduler.Status) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tINTERVAL\tRUNNING\tRUNS\tSKIPPED\tLAST START\tLAST ERROR")
	for _, j := range jobs {
		last := "-"
		if j.LastStartAt != nil {
			last = j.LastStartAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%d\t%s\t%s\n", j.Name, j.Interval, j.Running, j.Runs, j.Skipped, last, j.LastError)
	}
	return tw.Flush()
}
