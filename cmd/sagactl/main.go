// sagactl 编排服务运维命令行（查询 saga、手动补偿、跳过/重置步骤）
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/spf13/cobra"
)

const (
	envServer = "SAGACTL_SERVER"
	envToken  = "ADMIN_TOKEN"
)

func main() {
	if err := newRootCmd(os.Stdout).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	server  string
	token   string
	actor   string
	timeout time.Duration
	out     io.Writer
	http    *http.Client
}

// apiResult 与服务端 response.Result 对应
type apiResult struct {
	Success   bool            `json:"success"`
	ErrorCode string          `json:"errorCode"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out, http: cleanhttp.DefaultPooledClient()}

	root := &cobra.Command{
		Use:          "sagactl",
		Short:        "Operate the transaction saga orchestrator",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.server == "" {
				return fmt.Errorf("server address required (--server or %s)", envServer)
			}
			if c.token == "" {
				return fmt.Errorf("admin token required (--token or %s)", envToken)
			}
			c.server = strings.TrimRight(c.server, "/")
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.server, "server", envOr(envServer, "http://localhost:8080"), "orchestrator base URL")
	root.PersistentFlags().StringVar(&c.token, "token", os.Getenv(envToken), "admin token")
	root.PersistentFlags().StringVar(&c.actor, "actor", os.Getenv("USER"), "operator name recorded on manual actions")
	root.PersistentFlags().DurationVarP(&c.timeout, "timeout", "t", 10*time.Second, "request timeout")

	root.AddCommand(
		c.stateCmd(),
		c.listCmd(),
		c.problemsCmd(),
		c.compensateCmd(),
		c.skipCmd(),
		c.resetCmd(),
	)
	return root
}

func (c *cli) stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <transaction-id>",
		Short: "Show a transaction with its steps, compensations and problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do(cmd.Context(), http.MethodGet, "/admin/transactions/"+url.PathEscape(args[0]), nil, nil)
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var (
		orderID  int64
		statuses []string
		limit    int
		offset   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions by order or status",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if orderID > 0 {
				q.Set("orderId", strconv.FormatInt(orderID, 10))
			}
			if len(statuses) > 0 {
				q.Set("status", strings.Join(statuses, ","))
			}
			setPage(q, limit, offset)
			return c.do(cmd.Context(), http.MethodGet, "/admin/transactions", q, nil)
		},
	}
	cmd.Flags().Int64Var(&orderID, "order", 0, "filter by order id")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable or comma separated)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func (c *cli) problemsCmd() *cobra.Command {
	var (
		txID        string
		orderID     int64
		collectorID int64
		statuses    []string
		limit       int
		offset      int
	)
	cmd := &cobra.Command{
		Use:   "problems",
		Short: "List office problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if txID != "" {
				q.Set("transactionId", txID)
			}
			if orderID > 0 {
				q.Set("orderId", strconv.FormatInt(orderID, 10))
			}
			if collectorID > 0 {
				q.Set("collectorId", strconv.FormatInt(collectorID, 10))
			}
			if len(statuses) > 0 {
				q.Set("status", strings.Join(statuses, ","))
			}
			setPage(q, limit, offset)
			return c.do(cmd.Context(), http.MethodGet, "/admin/problems", q, nil)
		},
	}
	cmd.Flags().StringVar(&txID, "tx", "", "filter by transaction id")
	cmd.Flags().Int64Var(&orderID, "order", 0, "filter by order id")
	cmd.Flags().Int64Var(&collectorID, "collector", 0, "filter by collector id")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func (c *cli) compensateCmd() *cobra.Command {
	var (
		kind    string
		stepID  int64
		reason  string
		details string
	)
	cmd := &cobra.Command{
		Use:   "compensate <transaction-id>",
		Short: "Start a manual compensation (FULL or PARTIAL)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind = strings.ToUpper(strings.TrimSpace(kind))
			if kind == "PARTIAL" && stepID <= 0 {
				return fmt.Errorf("--step is required for PARTIAL compensation")
			}
			body := map[string]interface{}{"type": kind, "reason": reason}
			if details != "" {
				body["details"] = details
			}
			if stepID > 0 {
				body["sagaStepId"] = stepID
			}
			path := "/admin/transactions/" + url.PathEscape(args[0]) + "/compensate"
			return c.do(cmd.Context(), http.MethodPost, path, nil, body)
		},
	}
	cmd.Flags().StringVar(&kind, "type", "FULL", "FULL or PARTIAL")
	cmd.Flags().Int64Var(&stepID, "step", 0, "target step id for PARTIAL")
	cmd.Flags().StringVar(&reason, "reason", "MANUAL", "compensation reason")
	cmd.Flags().StringVar(&details, "details", "", "free text details")
	return cmd
}

func (c *cli) skipCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "skip <step-id>",
		Short: "Mark a PENDING or FAILED step as SKIPPED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.do(cmd.Context(), http.MethodPost, fmt.Sprintf("/admin/steps/%d/skip", id), nil, map[string]string{"reason": reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the step is skipped")
	return cmd
}

func (c *cli) resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <step-id>",
		Short: "Reset a FAILED or SKIPPED step back to PENDING",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.do(cmd.Context(), http.MethodPost, fmt.Sprintf("/admin/steps/%d/reset", id), nil, nil)
		},
	}
}

// do 发送请求并打印 data；服务端返回失败时转为错误
func (c *cli) do(ctx context.Context, method, path string, q url.Values, body interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.server + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("X-Admin-Token", c.token)
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var res apiResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&res); err != nil {
		return fmt.Errorf("%s %s: unexpected response (%d): %w", method, path, resp.StatusCode, err)
	}
	if !res.Success {
		msg := fmt.Sprintf("%s: %s", res.ErrorCode, res.Message)
		if res.Retryable {
			msg += " (retryable)"
		}
		if res.RequestID != "" {
			msg += " [request " + res.RequestID + "]"
		}
		return errors.New(msg)
	}

	var pretty bytes.Buffer
	if len(res.Data) == 0 {
		_, err = fmt.Fprintln(c.out, "ok")
		return err
	}
	if err := json.Indent(&pretty, res.Data, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(res.Data)
	}
	pretty.WriteByte('\n')
	_, err = c.out.Write(pretty.Bytes())
	return err
}

func setPage(q url.Values, limit, offset int) {
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid step id %q", s)
	}
	return id, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
