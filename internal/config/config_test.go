package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
node:
  id: a
cluster:
  call_timeout: 3s
  peers:
    - id: b
      addr: http://10.0.0.2:8080
registry:
  driver: sqlite
  path: ./jobmesh.db
logging:
  level: debug
  console: true
eligibility:
  locked: ["1/*/mail"]
jobs:
  - kind: log
    tenant: 1
    principal: 2
    module: mail
    schedule: "every 30s"
  - kind: index
    tenant: 1
    principal: 2
    module: infostore
    progressive:
      timeout: 1h
      initial_interval: 1s
      rate_percent: 50
    params: {"depth": 2}
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "jobmesh.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "a", cfg.Node.ID)
	assert.Equal(t, "3s", cfg.Cluster.CallTimeout)
	require.Len(t, cfg.Cluster.Peers, 1)
	assert.Equal(t, "http://10.0.0.2:8080", cfg.Cluster.Peers[0].Addr)
	assert.Equal(t, "sqlite", cfg.Registry.Driver)
	require.Len(t, cfg.Jobs, 2)
	assert.Equal(t, "log/1/2/mail", cfg.Jobs[0].Name())
	require.NotNil(t, cfg.Jobs[1].Progressive)
	assert.Equal(t, int64(50), cfg.Jobs[1].Progressive.RatePercent)
	assert.JSONEq(t, `{"depth":2}`, string(cfg.Jobs[1].Params))
	assert.Same(t, cfg, m.Get())
}

func TestLoadRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	_, err := NewConfigManager(writeFile(t, "c.json", `{"node":{"id":"a"},"queue":{}}`)).Load()
	assert.Error(t, err)

	_, err = NewConfigManager(writeFile(t, "c.json", `{"node":{"id":"a"}}{}`)).Load()
	assert.Error(t, err)
}

func TestYAMLAnchorsAndMerge(t *testing.T) {
	body := `
node: {id: a}
jobs:
  - &base
    kind: log
    tenant: 1
    principal: 2
    module: mail
    schedule: every 1m
  - <<: *base
    module: calendar
  - *base
`
	cfg, err := NewConfigManager(writeFile(t, "c.yml", body)).Load()
	require.NoError(t, err)
	require.Len(t, cfg.Jobs, 3)
	assert.Equal(t, "log/1/2/mail", cfg.Jobs[0].Name())
	assert.Equal(t, "log/1/2/calendar", cfg.Jobs[1].Name())
	assert.Equal(t, "every 1m", cfg.Jobs[1].Schedule)
	assert.Equal(t, cfg.Jobs[0], cfg.Jobs[2])
}

func TestYAMLRejects(t *testing.T) {
	cases := map[string]string{
		"duplicate key":     "node:\n  id: a\n  id: b\n",
		"second document":   "node: {id: a}\n---\nnode: {id: b}\n",
		"non-scalar key":    "? [a, b]\n: 1\n",
		"merge of a scalar": "node:\n  <<: 5\n",
		"malformed":         "node: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewConfigManager(writeFile(t, "c.yaml", body)).Load()
			assert.ErrorContains(t, err, "yaml")
		})
	}

	cfg, err := NewConfigManager(writeFile(t, "empty.yaml", "")).Load()
	require.NoError(t, err, "an empty file is an empty config")
	assert.Empty(t, cfg.Node.ID)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"empty is valid", Config{}, true},
		{"bad level", Config{Logging: LoggingConfig{Level: "loud"}}, false},
		{"bad duration", Config{Cluster: ClusterConfig{CallTimeout: "soon"}}, false},
		{"negative duration", Config{Scheduler: SchedulerConfig{RetainDelay: "-1s"}}, false},
		{"file needs path", Config{Registry: RegistryConfig{Driver: "file"}}, false},
		{"unknown driver", Config{Registry: RegistryConfig{Driver: "redis"}}, false},
		{"duplicate peer", Config{Cluster: ClusterConfig{Peers: []PeerConfig{{ID: "b", Addr: "x"}, {ID: "b", Addr: "y"}}}}, false},
		{"job without cadence", Config{Jobs: []JobConfig{{Kind: "log", Module: "m"}}}, false},
		{"job with both", Config{Jobs: []JobConfig{{Kind: "log", Module: "m", Schedule: "1m", Progressive: &ProgressiveJobConfig{RatePercent: 1}}}}, false},
		{"progressive needs rate", Config{Jobs: []JobConfig{{Kind: "log", Module: "m", Progressive: &ProgressiveJobConfig{Timeout: "1m", InitialInterval: "1s"}}}}, false},
		{"fixed job", Config{Jobs: []JobConfig{{Kind: "log", Module: "m", Schedule: "*/5 * * * *"}}}, true},
		{"every interval", Config{Jobs: []JobConfig{{Kind: "log", Module: "m", Schedule: "every 10m"}}}, true},
		{"hhmm interval", Config{Jobs: []JobConfig{{Kind: "log", Module: "m", Schedule: "02:30"}}}, true},
		{"bad schedule", Config{Jobs: []JobConfig{{Kind: "log", Module: "m", Schedule: "every tuesday"}}}, false},
		{"bad cron", Config{Jobs: []JobConfig{{Kind: "log", Module: "m", Schedule: "* * *"}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidateNamesBadSchedule(t *testing.T) {
	cfg := Config{Jobs: []JobConfig{
		{Kind: "log", Module: "a", Schedule: "1m"},
		{Kind: "log", Module: "b", Schedule: "sometimes"},
	}}
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "jobs[1].schedule")
	assert.NotContains(t, err.Error(), "jobs[0]")
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = ParseDurationOrDefault("x", "250ms", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	d, err = ParseDurationOrDefault("x", "0s", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	_, err = ParseDurationField("x.y", "abc")
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "x.y", fe.Path)
	assert.Equal(t, `x.y: "abc": not a duration`, err.Error())

	_, err = ParseDurationField("x.y", "-1s")
	assert.ErrorIs(t, err, errNegativeDuration)
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	path := writeFile(t, "c.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, published)

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600))
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, published)
	assert.Equal(t, "debug", (<-ch).Logging.Level)

	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"warn"}}`), 0o600))
	_, err = m.Reload(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "debug", m.Get().Logging.Level, "rejected config not committed")
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeFile(t, "c.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"error"}}`), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "error", cfg.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	old := &Config{Logging: LoggingConfig{Level: "info"}, Engine: EngineConfig{Workers: 2}}
	next := &Config{
		Logging:     LoggingConfig{Level: "debug"},
		Engine:      EngineConfig{Workers: 4},
		Eligibility: EligibilityConfig{Disabled: []string{"mail"}},
		Jobs:        []JobConfig{{Kind: "log", Module: "m", Schedule: "1m"}},
	}
	changed, attrs := SummarizeConfigChange(old, next)
	assert.Equal(t, []string{"eligibility", "engine", "jobs", "logging"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"engine", "jobs"}, RestartRequired(changed))

	changed, _ = SummarizeConfigChange(next, next)
	assert.Empty(t, changed)
}

func TestDiffJobsIgnoresParamFormatting(t *testing.T) {
	a := []JobConfig{{Kind: "http", Module: "m", Schedule: "1m", Params: []byte(`{"url":"x","n":1}`)}}
	b := []JobConfig{{Kind: "http", Module: "m", Schedule: "1m", Params: []byte(`{ "n": 1, "url": "x" }`)}}
	assert.Empty(t, diffJobs(a, b))

	b[0].Schedule = "2m"
	assert.Equal(t, []string{"http/0/0/m"}, diffJobs(a, b))
}
