package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/seekchat/internal/config"
	"github.com/soyeahso/seekchat/internal/logging"
	"github.com/soyeahso/seekchat/internal/version"
)

// MaxFetchURLs bounds one scrapePages call.
const MaxFetchURLs = 10

const maxRedirects = 10

// PageResult is the outcome for one requested URL: either Content or Error
// is set.
type PageResult struct {
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PageFetch downloads pages and reduces them to readable text.
type PageFetch struct {
	client       *http.Client
	maxBytes     int64
	maxChars     int
	concurrency  int
	allowPrivate bool
	lookupIP     func(ctx context.Context, host string) ([]net.IP, error)
	log          *logging.Logger
}

// NewPageFetch creates a fetch tool from config.
func NewPageFetch(cfg config.FetchConfig, log *logging.Logger) *PageFetch {
	f := &PageFetch{
		maxBytes:     int64(cfg.MaxBytes),
		maxChars:     cfg.MaxChars,
		concurrency:  cfg.Concurrency,
		allowPrivate: cfg.AllowPrivate,
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		},
		log: log.Sub("fetch"),
	}
	if f.maxBytes <= 0 {
		f.maxBytes = 2 << 20
	}
	if f.concurrency <= 0 {
		f.concurrency = 4
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	f.client = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return f.dial(ctx, dialer, network, addr)
			},
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("too many redirects")
			}
			return nil
		},
	}
	return f
}

// FetchAll fetches every URL concurrently and returns one result per input
// URL, in input order. A failing URL yields an error entry and never stops
// the others.
func (f *PageFetch) FetchAll(ctx context.Context, urls []string) []PageResult {
	results := make([]PageResult, len(urls))

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for i, u := range urls {
		g.Go(func() error {
			content, err := f.Fetch(ctx, u)
			if err != nil {
				f.log.Debug().Err(err).Str("url", u).Msg("fetch failed")
				results[i] = PageResult{URL: u, Error: err.Error()}
				return nil
			}
			results[i] = PageResult{URL: u, Content: content}
			return nil
		})
	}
	g.Wait()

	return results
}

// Fetch downloads one page and returns its readable text.
func (f *PageFetch) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", errors.New("URL has no host")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, f.maxBytes)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))

	var text string
	switch {
	case mediaType == "" || mediaType == "text/html" || mediaType == "application/xhtml+xml":
		text = extractText(body)
	case strings.HasPrefix(mediaType, "text/") || mediaType == "application/json":
		data, err := io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("reading body: %w", err)
		}
		text = strings.TrimSpace(string(data))
	default:
		return "", fmt.Errorf("unsupported content type %q", mediaType)
	}

	if text == "" {
		return "", errors.New("page has no readable text")
	}
	return truncateRunes(text, f.maxChars), nil
}

// dial resolves the host once, refuses private and loopback answers unless
// private targets are allowed, and connects to a checked address. Redirects
// and retries go through here too, so the address that was checked is the
// address that is dialed.
func (f *PageFetch) dial(ctx context.Context, d *net.Dialer, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		ips, err = f.lookupIP(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("resolving %q: %w", host, err)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolving %q: no addresses", host)
	}

	if !f.allowPrivate {
		for _, ip := range ips {
			if isPrivateIP(ip) {
				return nil, fmt.Errorf("%s resolves to private address %s", host, ip)
			}
		}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

var privateNets = func() []*net.IPNet {
	var nets []*net.IPNet
	for _, r := range []string{
		"0.0.0.0/8",
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"100.64.0.0/10",
		"198.18.0.0/15",
		"224.0.0.0/4",
		"240.0.0.0/4",
		"::1/128",
		"64:ff9b::/96",
		"fc00::/7",
		"fe80::/10",
		"ff00::/8",
	} {
		_, n, _ := net.ParseCIDR(r)
		nets = append(nets, n)
	}
	return nets
}()

func isPrivateIP(ip net.IP) bool {
	if ip.IsUnspecified() {
		return true
	}
	for _, n := range privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Name implements the agent tool interface.
func (f *PageFetch) Name() string { return FetchToolName }

// Description implements the agent tool interface.
func (f *PageFetch) Description() string {
	return "Fetch up to 10 web pages at once and return their readable text. Each URL gets its own result; failed URLs report an error."
}

// InputSchema implements the agent tool interface.
func (f *PageFetch) InputSchema() string {
	return `{
  "type": "object",
  "properties": {
    "urls": {
      "type": "array",
      "items": {"type": "string"},
      "description": "Page URLs to fetch (max 10)"
    }
  },
  "required": ["urls"]
}`
}

type fetchInput struct {
	URLs []string `json:"urls"`
}

// Execute fetches the input URLs and returns the per-URL results as JSON.
func (f *PageFetch) Execute(ctx context.Context, input string) (string, error) {
	var in fetchInput
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if len(in.URLs) == 0 {
		return "", errors.New("urls must not be empty")
	}
	if len(in.URLs) > MaxFetchURLs {
		return "", fmt.Errorf("at most %d urls per call, got %d", MaxFetchURLs, len(in.URLs))
	}

	out, err := json.Marshal(f.FetchAll(ctx, in.URLs))
	if err != nil {
		return "", err
	}
	return string(out), nil
}
