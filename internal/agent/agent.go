package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"enlist/internal/domain"
	"enlist/internal/inspector"
	"enlist/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrAgentClosed is returned for queries against a torn-down agent.
var ErrAgentClosed = errors.New("agent is closed")

const maxBodyBytes = 2 << 20

// Factory opens browsing agents. Each agent gets its own cookie jar so
// contexts stay isolated from one another; fetches against the same host
// share a pacing limiter to stay under anti-automation thresholds.
type Factory struct {
	inspector      inspector.Inspector
	requestTimeout time.Duration
	userAgent      string
	limiters       *hostLimiters
	logger         *zerolog.Logger
}

// Options tune the factory; zero values get defaults.
type Options struct {
	RequestTimeout time.Duration
	PerHostRPS     float64
	PerHostBurst   int
	UserAgent      string
}

func NewFactory(insp inspector.Inspector, opts Options, logger *zerolog.Logger) *Factory {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.PerHostRPS <= 0 {
		opts.PerHostRPS = 1
	}
	if opts.PerHostBurst <= 0 {
		opts.PerHostBurst = 2
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "enlist/1.0"
	}
	return &Factory{
		inspector:      insp,
		requestTimeout: opts.RequestTimeout,
		userAgent:      opts.UserAgent,
		limiters:       newHostLimiters(opts.PerHostRPS, opts.PerHostBurst),
		logger:         logger,
	}
}

// Open creates an agent scoped to one event URL. The page itself is not
// fetched yet; the first GetState does that.
func (f *Factory) Open(ctx context.Context, pageURL string) (domain.Agent, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid event url %q", pageURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	a := &BrowserAgent{
		handle:    uuid.NewString(),
		url:       pageURL,
		host:      parsed.Host,
		inspector: f.inspector,
		client: &http.Client{
			Jar:     jar,
			Timeout: f.requestTimeout,
		},
		userAgent: f.userAgent,
		limiter:   f.limiters.get(parsed.Host),
		logger:    f.logger,
	}
	return a, nil
}

// BrowserAgent is one isolated browsing context against a single event
// page. It satisfies domain.Agent.
type BrowserAgent struct {
	handle    string
	url       string
	host      string
	client    *http.Client
	userAgent string
	inspector inspector.Inspector
	limiter   *rate.Limiter
	logger    *zerolog.Logger

	// mu guards lastDoc and closed: the orchestrator loop may Close the
	// agent while a re-check goroutine is inside GetState.
	mu      sync.Mutex
	lastDoc string
	closed  bool
}

func (a *BrowserAgent) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// rememberDoc stores the fetched document unless the agent was closed
// mid-fetch.
func (a *BrowserAgent) rememberDoc(doc string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.lastDoc = doc
	}
}

func (a *BrowserAgent) Handle() string { return a.handle }
func (a *BrowserAgent) URL() string    { return a.url }

// GetState re-fetches the page and classifies it. Each call observes the
// current page, so a state read after an action reflects the action.
func (a *BrowserAgent) GetState(ctx context.Context) (models.Classification, error) {
	if a.isClosed() {
		return models.Classification{}, ErrAgentClosed
	}

	doc, err := a.fetch(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return models.Classification{}, err
	}
	a.rememberDoc(doc)

	c := a.inspector.Classify(doc)
	if a.logger != nil {
		a.logger.Debug().Str("agent", a.handle).Str("url", a.url).Str("state", c.Type).Msg("page classified")
	}
	return c, nil
}

// Activate locates and triggers the registration control. On failure the
// reason is the page's current classification.
func (a *BrowserAgent) Activate(ctx context.Context) (models.ActivationResult, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return models.ActivationResult{}, ErrAgentClosed
	}
	doc := a.lastDoc
	a.mu.Unlock()

	if doc == "" {
		fetched, err := a.fetch(ctx, http.MethodGet, a.url, nil)
		if err != nil {
			return models.ActivationResult{}, err
		}
		doc = fetched
		a.rememberDoc(fetched)
	}

	c := a.inspector.Classify(doc)
	if c.Type != models.PageReadyToRegister {
		return models.ActivationResult{Success: false, Reason: c.Type}, nil
	}

	action, ok := a.inspector.Action(a.url, doc, c.ActionHandle)
	if !ok {
		return models.ActivationResult{Success: false, Reason: c.Type}, nil
	}

	var body io.Reader
	target := action.URL
	if action.Method == http.MethodGet {
		if len(action.Fields) > 0 {
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target = target + sep + action.Fields.Encode()
		}
	} else {
		body = strings.NewReader(action.Fields.Encode())
	}

	doc, err := a.fetch(ctx, action.Method, target, body)
	if err != nil {
		return models.ActivationResult{}, err
	}
	a.rememberDoc(doc)

	return models.ActivationResult{Success: true}, nil
}

// Close tears down the browsing context. Idempotent and safe to call
// concurrently with in-flight queries.
func (a *BrowserAgent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.lastDoc = ""
	a.mu.Unlock()

	a.client.CloseIdleConnections()
	return nil
}

func (a *BrowserAgent) fetch(ctx context.Context, method, target string, body io.Reader) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", a.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return "", fmt.Errorf("fetch %s: server returned %d", target, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(data), nil
}
