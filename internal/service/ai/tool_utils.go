package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	WebSearchRateLimit   = 5
	WebSearchRateWindow  = time.Minute
	WebSearchHTTPTimeout = 10 * time.Second
	maxFetchedBodySize   = 512 * 1024
)

type callerContextKey struct{}

// WithCaller tags ctx with the dispatch key of the caller ("user:7", "anon:1.2.3.4")
// so tool calls can be rate limited per caller.
func WithCaller(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, callerContextKey{}, key)
}

// CallerFromContext returns the key stored by WithCaller.
func CallerFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(callerContextKey{}).(string)
	return key, ok && key != ""
}

// toolRateLimiter is a sliding-window limiter keyed by caller.
type toolRateLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	hits   map[string][]time.Time
}

func newToolRateLimiter(limit int, window time.Duration) *toolRateLimiter {
	return &toolRateLimiter{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

func (l *toolRateLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.hits[key]
	cutoff := now.Add(-l.window)
	idx := 0
	for _, t := range queue {
		if t.After(cutoff) {
			break
		}
		idx++
	}
	queue = queue[idx:]
	if len(queue) >= l.limit {
		l.hits[key] = queue
		return false
	}
	l.hits[key] = append(queue, now)
	return true
}

func (w *webSearchTool) fetchURL(ctx context.Context, target string) (string, error) {
	if w.httpClient == nil {
		w.httpClient = &http.Client{Timeout: WebSearchHTTPTimeout}
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "keepchat-websearch/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch url: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchedBodySize))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
