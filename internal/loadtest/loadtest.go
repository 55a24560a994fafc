package loadtest

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const maxInt64 = int64(^uint64(0) >> 1)

// Config controls the load test behavior.
type Config struct {
	BaseURL        string
	JWTSecret      string
	Domain         string
	ModulesCSV     string
	Role           string
	Users          int
	Concurrency    int
	UserPrefix     string
	UserStart      int
	RequestTimeout time.Duration
	InsecureTLS    bool
	PhasesCSV      string
}

type Phase struct {
	Name    string
	Method  string
	HasBody bool
}

var defaultPhases = []Phase{
	{Name: "create", Method: http.MethodPost, HasBody: true},
	{Name: "status", Method: http.MethodGet, HasBody: false},
	{Name: "delete", Method: http.MethodDelete, HasBody: false},
}

func ParsePhases(csv string) ([]Phase, error) {
	if strings.TrimSpace(csv) == "" {
		return defaultPhases, nil
	}
	items := strings.Split(csv, ",")
	phases := make([]Phase, 0, len(items))
	for _, raw := range items {
		name := strings.TrimSpace(strings.ToLower(raw))
		if name == "" {
			continue
		}
		switch name {
		case "create":
			phases = append(phases, defaultPhases[0])
		case "status":
			phases = append(phases, defaultPhases[1])
		case "delete":
			phases = append(phases, defaultPhases[2])
		default:
			return nil, fmt.Errorf("unknown phase: %s", name)
		}
	}
	if len(phases) == 0 {
		return nil, errors.New("no valid phases provided")
	}
	return phases, nil
}

func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return errors.New("base URL is required")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("jwt secret is required")
	}
	if strings.TrimSpace(cfg.Domain) == "" {
		return errors.New("domain is required")
	}
	if strings.TrimSpace(cfg.ModulesCSV) == "" {
		return errors.New("modules are required")
	}
	if cfg.Users <= 0 {
		return errors.New("users must be > 0")
	}
	if cfg.Concurrency <= 0 {
		return errors.New("concurrency must be > 0")
	}
	if cfg.UserStart < 0 {
		return errors.New("user start must be >= 0")
	}
	if strings.TrimSpace(cfg.UserPrefix) == "" {
		return errors.New("user prefix is required")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request timeout must be > 0")
	}
	return nil
}

// runner carries the per-user machine ids captured during the create phase
// so later phases can address the same machines.
type runner struct {
	cfg        Config
	baseURL    string
	client     *http.Client
	tokens     []string
	mu         sync.Mutex
	machineIDs []string
}

func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	phases, err := ParsePhases(cfg.PhasesCSV)
	if err != nil {
		return err
	}

	r := &runner{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		client:     &http.Client{Timeout: cfg.RequestTimeout, Transport: newTransport(cfg)},
		tokens:     make([]string, cfg.Users),
		machineIDs: make([]string, cfg.Users),
	}
	for i := 0; i < cfg.Users; i++ {
		userID := fmt.Sprintf("%s%04d", cfg.UserPrefix, cfg.UserStart+i)
		token, err := signToken(cfg, userID)
		if err != nil {
			return fmt.Errorf("sign token for %s: %w", userID, err)
		}
		r.tokens[i] = token
	}

	for _, phase := range phases {
		stats := newStats()
		start := time.Now()
		err := r.runPhase(ctx, phase, stats)
		elapsed := time.Since(start)
		if err != nil {
			return err
		}
		stats.report(out, phase.Name, elapsed)
		time.Sleep(1 * time.Minute)
	}
	return nil
}

func (r *runner) runPhase(ctx context.Context, phase Phase, stats *stats) error {
	jobs := make(chan int)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for idx := range jobs {
			select {
			case <-ctx.Done():
				return
			default:
			}

			req, err := r.newRequest(phase, idx)
			if err != nil {
				stats.record(0, 0, err.Error())
				continue
			}
			start := time.Now()
			resp, err := r.client.Do(req)
			lat := time.Since(start)
			if err != nil {
				stats.record(0, lat, err.Error())
				continue
			}
			status := resp.StatusCode
			bodySample := ""
			if status < 200 || status >= 300 {
				bodySample = readSample(resp.Body)
			} else if phase.Name == "create" {
				r.captureMachineID(idx, resp.Body)
			} else {
				_, _ = io.Copy(io.Discard, resp.Body)
			}
			_ = resp.Body.Close()
			if status < 200 || status >= 300 {
				stats.record(status, lat, fmt.Sprintf("status %d: %s", status, bodySample))
				continue
			}
			stats.record(status, lat, "")
		}
	}

	workers := r.cfg.Concurrency
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker()
	}
	for i := 0; i < len(r.tokens); i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return nil
}

func (r *runner) newRequest(phase Phase, idx int) (*http.Request, error) {
	var url string
	var body io.Reader

	switch phase.Name {
	case "create":
		url = r.baseURL + "/machines/create"
		payload := map[string]interface{}{
			"name":    fmt.Sprintf("loadtest-%04d", idx),
			"domain":  r.cfg.Domain,
			"modules": splitModules(r.cfg.ModulesCSV),
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	default:
		machineID := r.machineID(idx)
		if machineID == "" {
			return nil, fmt.Errorf("no machine id captured for user %d", idx)
		}
		url = r.baseURL + "/machines/" + machineID
	}

	req, err := http.NewRequest(phase.Method, url, body)
	if err != nil {
		return nil, err
	}
	if phase.HasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+r.tokens[idx])
	return req, nil
}

func (r *runner) captureMachineID(idx int, respBody io.Reader) {
	var resp struct {
		Machine struct {
			ID string `json:"id"`
		} `json:"machine"`
	}
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return
	}
	r.mu.Lock()
	r.machineIDs[idx] = resp.Machine.ID
	r.mu.Unlock()
}

func (r *runner) machineID(idx int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.machineIDs[idx]
}

func splitModules(csv string) []string {
	var modules []string
	for _, m := range strings.Split(csv, ",") {
		m = strings.TrimSpace(m)
		if m != "" {
			modules = append(modules, m)
		}
	}
	return modules
}

func readSample(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(data))
}

func newTransport(cfg Config) *http.Transport {
	tr := &http.Transport{
		MaxIdleConns:        cfg.Concurrency * 2,
		MaxIdleConnsPerHost: cfg.Concurrency * 2,
		IdleConnTimeout:     90 * time.Second,
	}
	if cfg.InsecureTLS {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return tr
}

func signToken(cfg Config, userID string) (string, error) {
	claims := jwt.MapClaims{
		"user_id":  userID,
		"username": userID,
		"role":     cfg.Role,
		"iat":      time.Now().Unix(),
		"exp":      time.Now().Add(1 * time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(cfg.JWTSecret))
}

type stats struct {
	total      int64
	success    int64
	errors     int64
	sumLatency int64
	minLatency int64
	maxLatency int64
	mu         sync.Mutex
	statuses   map[int]int
	errSamples []string
}

func newStats() *stats {
	return &stats{minLatency: maxInt64, statuses: make(map[int]int)}
}

func (s *stats) record(status int, latency time.Duration, errText string) {
	atomic.AddInt64(&s.total, 1)
	atomic.AddInt64(&s.sumLatency, int64(latency))
	updateMin(&s.minLatency, int64(latency))
	updateMax(&s.maxLatency, int64(latency))
	if status > 0 {
		s.mu.Lock()
		s.statuses[status]++
		s.mu.Unlock()
	}
	if errText != "" {
		atomic.AddInt64(&s.errors, 1)
		s.mu.Lock()
		if len(s.errSamples) < 5 {
			s.errSamples = append(s.errSamples, errText)
		}
		s.mu.Unlock()
		return
	}
	atomic.AddInt64(&s.success, 1)
}

func (s *stats) report(out io.Writer, phase string, elapsed time.Duration) {
	total := atomic.LoadInt64(&s.total)
	success := atomic.LoadInt64(&s.success)
	errors := atomic.LoadInt64(&s.errors)
	sumLatency := atomic.LoadInt64(&s.sumLatency)
	minLatency := time.Duration(atomic.LoadInt64(&s.minLatency))
	maxLatency := time.Duration(atomic.LoadInt64(&s.maxLatency))
	avgLatency := time.Duration(0)
	if total > 0 {
		avgLatency = time.Duration(sumLatency / total)
	}
	if minLatency == time.Duration(maxInt64) {
		minLatency = 0
	}

	fmt.Fprintf(out, "\nPhase %s\n", phase)
	fmt.Fprintf(out, "  Duration: %s\n", elapsed)
	fmt.Fprintf(out, "  Total: %d  Success: %d  Errors: %d\n", total, success, errors)
	fmt.Fprintf(out, "  Latency: min %s  avg %s  max %s\n", minLatency, avgLatency, maxLatency)

	s.mu.Lock()
	if len(s.statuses) > 0 {
		fmt.Fprintf(out, "  Status counts:")
		for code, count := range s.statuses {
			fmt.Fprintf(out, " %d=%d", code, count)
		}
		fmt.Fprintln(out, "")
	}
	if len(s.errSamples) > 0 {
		fmt.Fprintln(out, "  Error samples:")
		for _, sample := range s.errSamples {
			fmt.Fprintf(out, "    - %s\n", sample)
		}
	}
	s.mu.Unlock()
}

func updateMin(ptr *int64, val int64) {
	for {
		cur := atomic.LoadInt64(ptr)
		if val >= cur {
			return
		}
		if atomic.CompareAndSwapInt64(ptr, cur, val) {
			return
		}
	}
}

func updateMax(ptr *int64, val int64) {
	for {
		cur := atomic.LoadInt64(ptr)
		if val <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(ptr, cur, val) {
			return
		}
	}
}
