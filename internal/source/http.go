package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HTTPError represents a non-2xx response.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.StatusCode, e.URL)
}

const maxBodyBytes = 4 << 20

// fetcher is the HTTP client shared by all source kinds, with one limiter per host.
type fetcher struct {
	client *http.Client
	ua     string
	rps    float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newFetcher(ua string, timeout time.Duration, rps float64) *fetcher {
	if strings.TrimSpace(ua) == "" {
		ua = DefaultUserAgent
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &fetcher{
		client:   &http.Client{Timeout: timeout},
		ua:       ua,
		rps:      rps,
		limiters: map[string]*rate.Limiter{},
	}
}

func (f *fetcher) limiter(host string) *rate.Limiter {
	if f.rps <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		burst := int(f.rps)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(f.rps), burst)
		f.limiters[host] = l
	}
	return l
}

// get fetches rawURL and returns the body along with the final request URL.
func (f *fetcher) get(ctx context.Context, rawURL, accept string, cookies []*http.Cookie) ([]byte, *url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if l := f.limiter(u.Host); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", f.ua)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	for _, c := range cookies {
		if cookieMatches(c, u) {
			req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, nil, &HTTPError{StatusCode: resp.StatusCode, URL: rawURL}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", rawURL, err)
	}
	return body, resp.Request.URL, nil
}

func cookieMatches(c *http.Cookie, u *url.URL) bool {
	if c.Domain == "" {
		return true
	}
	host := strings.ToLower(u.Hostname())
	d := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
	if host != d && !strings.HasSuffix(host, "."+d) {
		return false
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	if c.Path != "" && !strings.HasPrefix(p, c.Path) {
		return false
	}
	if c.Secure && u.Scheme != "https" {
		return false
	}
	return c.Expires.IsZero() || c.Expires.After(time.Now())
}
