package cluster

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	logx "jobmesh/pkg/logx"
)

// TaskPath is where members receive tasks.
const TaskPath = "/cluster/task"

// SecretHeader carries the shared cluster secret on task deliveries.
const SecretHeader = "X-Jobmesh-Cluster-Secret"

// Peer is a statically configured member.
type Peer struct {
	ID   MemberID `json:"id"`
	Addr string   `json:"addr"` // base URL, e.g. http://10.0.0.2:8470
}

type HTTPConfig struct {
	Local MemberID
	Peers []Peer

	// CallTimeout bounds one delivery. 0 means 5s.
	CallTimeout time.Duration

	// SubmitRate limits outbound deliveries per second; 0 disables it.
	SubmitRate  float64
	SubmitBurst int

	// Secret is sent with every delivery and required on TaskPath when set.
	Secret string
}

// HTTPMembership is a static member list with JSON-over-HTTP delivery.
// Deliveries to the local member go straight to the local handler.
type HTTPMembership struct {
	log    logx.Logger
	local  MemberID
	client *http.Client

	mu      sync.RWMutex
	peers   map[MemberID]string
	handler TaskHandler
	limiter *rate.Limiter
	timeout time.Duration
	secret  string
	closed  bool

	wg     sync.WaitGroup
	sent   atomic.Uint64
	failed atomic.Uint64
}

func NewHTTPMembership(cfg HTTPConfig, log logx.Logger) *HTTPMembership {
	if log.IsZero() {
		log = logx.Nop()
	}
	local := cfg.Local
	if strings.TrimSpace(string(local)) == "" {
		local = MemberID(uuid.NewString())
	}
	m := &HTTPMembership{
		log:    log,
		local:  local,
		client: &http.Client{},
	}
	m.Apply(cfg)
	return m
}

// Apply replaces the peer list and transport limits. The local ID is fixed
// at construction.
func (m *HTTPMembership) Apply(cfg HTTPConfig) {
	peers := make(map[MemberID]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		id := MemberID(strings.TrimSpace(string(p.ID)))
		if id == "" || id == m.local {
			continue
		}
		peers[id] = strings.TrimRight(strings.TrimSpace(p.Addr), "/")
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	var lim *rate.Limiter
	if cfg.SubmitRate > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
	}

	m.mu.Lock()
	m.peers = peers
	m.timeout = timeout
	m.limiter = lim
	m.secret = strings.TrimSpace(cfg.Secret)
	m.mu.Unlock()
}

// SetHandler installs the local landing point for tasks.
func (m *HTTPMembership) SetHandler(h TaskHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *HTTPMembership) Local() MemberID { return m.local }

func (m *HTTPMembership) Members(ctx context.Context) ([]MemberID, error) {
	m.mu.RLock()
	out := make([]MemberID, 0, len(m.peers)+1)
	out = append(out, m.local)
	for id := range m.peers {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Submit delivers the task and returns once the member has accepted it or
// the delivery failed. The rate-limit wait counts against CallTimeout.
func (m *HTTPMembership) Submit(ctx context.Context, member MemberID, task Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.From == "" {
		task.From = m.local
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	addr, known := m.peers[member]
	handler := m.handler
	lim := m.limiter
	timeout := m.timeout
	secret := m.secret
	// Added under the lock so Close cannot start waiting before it.
	m.wg.Add(1)
	m.mu.RUnlock()
	defer m.wg.Done()

	if member != m.local && !known {
		return fmt.Errorf("%w: %s", ErrUnknownMember, member)
	}
	if member == m.local && handler == nil {
		return fmt.Errorf("%w: no local handler", ErrUnknownMember)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if member == m.local {
		if err := handler.HandleTask(cctx, task); err != nil {
			m.failed.Add(1)
			return fmt.Errorf("local task %s: %w", task.ID, err)
		}
		m.sent.Add(1)
		return nil
	}

	if lim != nil {
		if err := lim.Wait(cctx); err != nil {
			m.failed.Add(1)
			return fmt.Errorf("deliver %s to %s: rate limit: %w", task.ID, member, err)
		}
	}
	if err := m.post(cctx, addr+TaskPath, secret, task); err != nil {
		m.failed.Add(1)
		m.log.Warn("task delivery failed",
			logx.String("member", string(member)),
			logx.String("task", task.ID),
			logx.String("op", string(task.Op)),
			logx.String("job", task.Descriptor.Key()),
			logx.Err(err),
		)
		return fmt.Errorf("deliver %s to %s: %w", task.ID, member, err)
	}
	m.sent.Add(1)
	m.log.Debug("task delivered", logx.String("member", string(member)), logx.String("task", task.ID), logx.String("op", string(task.Op)))
	return nil
}

// Secret is the shared value members present on TaskPath. Empty disables the
// check.
func (m *HTTPMembership) Secret() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.secret
}

func (m *HTTPMembership) post(ctx context.Context, url, secret string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return nil
}

// Stats reports delivered and failed submissions.
func (m *HTTPMembership) Stats() (sent, failed uint64) { return m.sent.Load(), m.failed.Load() }

// Close stops accepting submissions and waits for deliveries in flight.
func (m *HTTPMembership) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler decodes tasks posted to TaskPath and passes them to h. When
// secret returns a non-empty value, requests must carry it in SecretHeader.
// secret may be nil.
func Handler(h TaskHandler, secret func() string, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if secret != nil {
			if want := secret(); want != "" {
				got := r.Header.Get(SecretHeader)
				if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
					log.Warn("task rejected: bad cluster secret", logx.String("remote", r.RemoteAddr))
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
			}
		}
		var t Task
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&t); err != nil {
			http.Error(w, "bad task: "+err.Error(), http.StatusBadRequest)
			return
		}
		if t.Op == "" {
			http.Error(w, "bad task: op required", http.StatusBadRequest)
			return
		}
		if err := h.HandleTask(r.Context(), t); err != nil {
			log.Warn("task rejected", logx.String("task", t.ID), logx.String("from", string(t.From)), logx.String("op", string(t.Op)), logx.Err(err))
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}
