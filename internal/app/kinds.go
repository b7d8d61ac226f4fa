package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"jobmesh/internal/config"
	"jobmesh/internal/jobs"
	logx "jobmesh/pkg/logx"
)

// Built-in job kinds. Integrators register their own on App.Factories
// before Start.
const (
	KindLog  = "log"
	KindHTTP = "http"
)

func registerBuiltinKinds(f *jobs.Factories, log logx.Logger, client *http.Client) {
	f.MustRegister(KindLog, logKind(log))
	f.MustRegister(KindHTTP, httpKind(client))
}

type logParams struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// logKind writes one line per run. Useful for smoke-testing a cluster.
func logKind(log logx.Logger) jobs.Factory {
	return func(raw json.RawMessage) (jobs.Callback, error) {
		p := logParams{Message: "job ran", Level: "info"}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("log params: %w", err)
			}
		}
		emit := log.Info
		switch strings.ToLower(strings.TrimSpace(p.Level)) {
		case "debug":
			emit = log.Debug
		case "warn", "warning":
			emit = log.Warn
		}
		return jobs.CallbackFunc(func(ctx context.Context, d jobs.Descriptor) error {
			emit(p.Message, logx.String("job", d.Key()), logx.String("module", d.Module))
			return nil
		}), nil
	}
}

type httpParams struct {
	URL     string `json:"url"`
	Method  string `json:"method"`
	Timeout string `json:"timeout"`
	// ExpectStatus fails the run on any other status; 0 accepts 2xx.
	ExpectStatus int `json:"expect_status"`
}

var errHTTPStatus = errors.New("unexpected http status")

// httpKind calls a URL per run. The job descriptor is sent as headers so the
// endpoint can tell callers apart.
func httpKind(client *http.Client) jobs.Factory {
	return func(raw json.RawMessage) (jobs.Callback, error) {
		var p httpParams
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("http params: %w", err)
			}
		}
		if strings.TrimSpace(p.URL) == "" {
			return nil, errors.New("http params: url required")
		}
		method := strings.ToUpper(strings.TrimSpace(p.Method))
		if method == "" {
			method = http.MethodGet
		}
		timeout, err := config.ParseDurationOrDefault("params.timeout", p.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}

		return jobs.CallbackFunc(func(ctx context.Context, d jobs.Descriptor) error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			req, err := http.NewRequestWithContext(cctx, method, p.URL, nil)
			if err != nil {
				return err
			}
			req.Header.Set("X-Jobmesh-Job", d.Key())
			req.Header.Set("X-Jobmesh-Tenant", fmt.Sprint(d.Tenant))
			req.Header.Set("X-Jobmesh-Principal", fmt.Sprint(d.Principal))
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

			ok := resp.StatusCode >= 200 && resp.StatusCode < 300
			if p.ExpectStatus != 0 {
				ok = resp.StatusCode == p.ExpectStatus
			}
			if !ok {
				return fmt.Errorf("%w: %s %s: %d", errHTTPStatus, method, p.URL, resp.StatusCode)
			}
			return nil
		}), nil
	}
}
