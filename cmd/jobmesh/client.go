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
	"strings"
	"time"

	"github.com/spf13/cobra"

	"jobmesh/internal/app"
	"jobmesh/internal/jobs"
	"jobmesh/internal/recurring"
)

// client talks to a running node's HTTP API.
type client struct {
	addr  string
	token string
	http  *http.Client
}

var apiFlags struct {
	addr    string
	token   string
	timeout time.Duration
}

func addAPIFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&apiFlags.addr, "addr", "http://127.0.0.1:8080", "node base URL")
	cmd.PersistentFlags().StringVar(&apiFlags.token, "token", os.Getenv("JOBMESH_TOKEN"), "API token (default $JOBMESH_TOKEN)")
	cmd.PersistentFlags().DurationVar(&apiFlags.timeout, "timeout", 10*time.Second, "request timeout")
}

func newClient() *client {
	addr := strings.TrimRight(strings.TrimSpace(apiFlags.addr), "/")
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &client{addr: addr, token: apiFlags.token, http: &http.Client{Timeout: apiFlags.timeout}}
}

func (c *client) do(ctx context.Context, method, path string, body any, out io.Writer) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	_, err = out.Write(b)
	return err
}

var monitorKey string

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Show registry, triggers and in-flight runs of a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := app.PathMonitor
		if monitorKey != "" {
			path = app.PathMonitorState + "?key=" + url.QueryEscape(monitorKey)
		}
		return newClient().do(cmd.Context(), http.MethodGet, path, nil, cmd.OutOrStdout())
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Schedule a job on a node",
}

var jobFlags struct {
	kind      string
	tenant    int64
	principal int64
	module    string
	priority  int
	params    string
	startIn   time.Duration
}

func addJobFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&jobFlags.kind, "kind", app.KindLog, "job kind")
	f.Int64Var(&jobFlags.tenant, "tenant", 0, "tenant id")
	f.Int64Var(&jobFlags.principal, "principal", 0, "principal id")
	f.StringVar(&jobFlags.module, "module", "", "module name")
	f.IntVar(&jobFlags.priority, "priority", 0, "fire priority")
	f.StringVar(&jobFlags.params, "params", "", "kind params as JSON")
	f.DurationVar(&jobFlags.startIn, "start-in", 0, "delay before the first fire")
	_ = cmd.MarkFlagRequired("module")
}

func jobParams() (json.RawMessage, error) {
	if strings.TrimSpace(jobFlags.params) == "" {
		return nil, nil
	}
	if !json.Valid([]byte(jobFlags.params)) {
		return nil, errors.New("--params is not valid JSON")
	}
	return json.RawMessage(jobFlags.params), nil
}

func descriptor() jobs.Descriptor {
	return jobs.Descriptor{Kind: jobFlags.kind, Tenant: jobFlags.tenant, Principal: jobFlags.principal, Module: jobFlags.module}
}

func startAt() time.Time {
	if jobFlags.startIn <= 0 {
		return time.Time{}
	}
	return time.Now().Add(jobFlags.startIn)
}

var progFlags struct {
	timeout time.Duration
	initial time.Duration
	rate    int64
	reset   bool
}

var scheduleProgressiveCmd = &cobra.Command{
	Use:   "progressive",
	Short: "Schedule a job whose interval grows after every successful run",
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := jobParams()
		if err != nil {
			return err
		}
		req := recurring.ProgressiveRequest{
			Descriptor:             descriptor(),
			StartAt:                startAt(),
			TimeoutMs:              progFlags.timeout.Milliseconds(),
			InitialIntervalMs:      progFlags.initial.Milliseconds(),
			ProgressionRatePercent: progFlags.rate,
			Priority:               jobFlags.priority,
			ResetProgressionOnly:   progFlags.reset,
			Params:                 params,
		}
		return newClient().do(cmd.Context(), http.MethodPost, app.PathJobsProgressive, req, cmd.OutOrStdout())
	},
}

var fixedFlags struct {
	every time.Duration
	cron  string
	async bool
}

var scheduleFixedCmd = &cobra.Command{
	Use:   "fixed",
	Short: "Schedule a job on a fixed interval or cron expression",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (fixedFlags.every > 0) == (fixedFlags.cron != "") {
			return errors.New("exactly one of --every or --cron is required")
		}
		params, err := jobParams()
		if err != nil {
			return err
		}
		req := recurring.FixedRequest{
			Descriptor: descriptor(),
			StartAt:    startAt(),
			IntervalMs: fixedFlags.every.Milliseconds(),
			Cron:       fixedFlags.cron,
			Priority:   jobFlags.priority,
			Async:      fixedFlags.async,
			Params:     params,
		}
		return newClient().do(cmd.Context(), http.MethodPost, app.PathJobsFixed, req, cmd.OutOrStdout())
	},
}

var unschedFlags struct {
	tenant    int64
	principal int64
}

var unscheduleCmd = &cobra.Command{
	Use:   "unschedule",
	Short: "Remove the jobs of a principal, or of a whole tenant without --principal",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := app.UnscheduleRequest{Tenant: unschedFlags.tenant}
		if cmd.Flags().Changed("principal") {
			p := unschedFlags.principal
			req.Principal = &p
		}
		return newClient().do(cmd.Context(), http.MethodPost, app.PathJobsUnschedule, req, cmd.OutOrStdout())
	},
}

func init() {
	addAPIFlags(monitorCmd)
	addAPIFlags(scheduleCmd)
	addAPIFlags(unscheduleCmd)

	monitorCmd.Flags().StringVar(&monitorKey, "key", "", "describe one job (job or trigger key)")

	addJobFlags(scheduleProgressiveCmd)
	pf := scheduleProgressiveCmd.Flags()
	pf.DurationVar(&progFlags.timeout, "timeout", time.Hour, "abandon the job after this long without a reset")
	pf.DurationVar(&progFlags.initial, "initial", time.Minute, "first interval")
	pf.Int64Var(&progFlags.rate, "rate", 50, "interval growth per run, percent")
	pf.BoolVar(&progFlags.reset, "reset-only", false, "only reset a known job's progression")

	addJobFlags(scheduleFixedCmd)
	ff := scheduleFixedCmd.Flags()
	ff.DurationVar(&fixedFlags.every, "every", 0, "fixed interval")
	ff.StringVar(&fixedFlags.cron, "cron", "", "cron expression (seconds field optional)")
	ff.BoolVar(&fixedFlags.async, "async", false, "return before ownership is resolved")

	scheduleCmd.AddCommand(scheduleProgressiveCmd, scheduleFixedCmd)

	uf := unscheduleCmd.Flags()
	uf.Int64Var(&unschedFlags.tenant, "tenant", 0, "tenant id")
	uf.Int64Var(&unschedFlags.principal, "principal", 0, "principal id; omit to remove the whole tenant")
	_ = unscheduleCmd.MarkFlagRequired("tenant")
}
