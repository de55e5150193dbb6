package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/GriffinCanCode/modbridge/internal/infrastructure/config"
	"github.com/GriffinCanCode/modbridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/modbridge/internal/infrastructure/resilience"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const maxRedirects = 10

// Headers applied unless the script sends its own.
var defaultHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.9",
}

// Request is one capability request issued by a script.
type Request struct {
	URL     string
	Headers map[string]string
	Method  string
	Body    *string
}

// Response is a successfully decoded upstream response.
type Response struct {
	Status int
	Body   string
	Header http.Header
	URL    string
}

// Options configures a Proxy.
type Options struct {
	UserAgent      string
	Timeout        time.Duration
	MaxConcurrent  int64
	RetryMax       int
	RetryWaitMin   time.Duration
	RetryWaitMax   time.Duration
	RateLimit      rate.Limit
	RateBurst      int
	BreakerFailure uint32
	BreakerTimeout time.Duration
}

// OptionsFromConfig maps the proxy section of the configuration.
func OptionsFromConfig(cfg config.ProxyConfig) Options {
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	return Options{
		UserAgent:      cfg.UserAgent,
		Timeout:        cfg.Timeout,
		MaxConcurrent:  cfg.MaxConcurrent,
		RetryMax:       cfg.RetryMax,
		RetryWaitMin:   cfg.RetryWaitMin,
		RetryWaitMax:   cfg.RetryWaitMax,
		RateLimit:      limit,
		RateBurst:      cfg.RateLimitBurst,
		BreakerFailure: cfg.BreakerFailures,
		BreakerTimeout: cfg.BreakerTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = config.DefaultUserAgent
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 16
	}
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryWaitMin <= 0 {
		o.RetryWaitMin = 200 * time.Millisecond
	}
	if o.RetryWaitMax < o.RetryWaitMin {
		o.RetryWaitMax = o.RetryWaitMin
	}
	if o.RateLimit == 0 {
		o.RateLimit = rate.Inf
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 1
	}
	if o.BreakerFailure == 0 {
		o.BreakerFailure = 5
	}
	return o
}

// Proxy executes capability requests on behalf of scripts. It is safe for
// concurrent use and shares one cookie jar across all requests.
type Proxy struct {
	client   *resty.Client
	jar      *Jar
	opts     Options
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	breakers *resilience.Group
	logger   *zap.Logger
	metrics  *monitoring.Metrics
}

type scriptCookieKey struct{}

// New creates a proxy that stores cookies in jar.
func New(jar *Jar, opts Options, logger *zap.Logger, metrics *monitoring.Metrics) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	p := &Proxy{
		jar:     jar,
		opts:    opts,
		sem:     semaphore.NewWeighted(opts.MaxConcurrent),
		limiter: rate.NewLimiter(opts.RateLimit, opts.RateBurst),
		logger:  logger,
		metrics: metrics,
	}

	p.breakers = resilience.NewGroup(resilience.Settings{
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailure
		},
		OnStateChange: func(host string, from, to resilience.State) {
			logger.Warn("Upstream circuit changed state",
				zap.String("host", host),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})

	// Pooled transport from retryablehttp; retries are driven by execute so
	// that only idempotent methods are repeated.
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil

	p.client = resty.New().
		SetTransport(retryClient.HTTPClient.Transport).
		SetTimeout(opts.Timeout).
		SetRetryCount(0).
		SetCookieJar(nil).
		SetLogger(logger.Sugar()).
		SetRedirectPolicy(resty.RedirectPolicyFunc(p.followRedirect))

	return p
}

// Jar returns the cookie jar the proxy writes to.
func (p *Proxy) Jar() *Jar { return p.jar }

// BreakerStates reports the circuit state per upstream host.
func (p *Proxy) BreakerStates() map[string]resilience.State {
	return p.breakers.States()
}

// Close releases idle upstream connections.
func (p *Proxy) Close() {
	p.client.GetClient().CloseIdleConnections()
}

// Execute performs req. A 403 yields *BlockedError, a non-UTF-8 body
// *UndecodableError and any failure to get a response *TransportError.
// Every other status returns the body.
func (p *Proxy) Execute(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, &TransportError{URL: req.URL, Err: err}
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, &TransportError{URL: req.URL, Err: fmt.Errorf("unsupported url %q", req.URL)}
	}

	timer := monitoring.NewTimer(p.metrics, method)
	resp, err := p.execute(ctx, method, target, req)
	timer.Stop(Kind(err))
	return resp, err
}

func (p *Proxy) execute(ctx context.Context, method string, target *url.URL, req Request) (*Response, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, &TransportError{URL: req.URL, Err: err}
	}
	defer p.sem.Release(1)

	p.metrics.AddProxyInFlight(1)
	defer p.metrics.AddProxyInFlight(-1)

	for attempt := 0; ; attempt++ {
		resp, err := p.attempt(ctx, method, target, req)

		var te *TransportError
		if err == nil || !errors.As(err, &te) || !p.retryable(ctx, method, attempt, te) {
			return resp, err
		}

		wait := retryablehttp.DefaultBackoff(p.opts.RetryWaitMin, p.opts.RetryWaitMax, attempt, nil)
		p.logger.Debug("Retrying capability request",
			zap.String("method", method),
			zap.String("url", req.URL),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))
		p.metrics.IncProxyRetries()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &TransportError{URL: req.URL, Err: ctx.Err()}
		case <-timer.C:
		}
	}
}

func (p *Proxy) retryable(ctx context.Context, method string, attempt int, err *TransportError) bool {
	if attempt >= p.opts.RetryMax || !idempotent(method) || ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, resilience.ErrCircuitOpen) && !errors.Is(err, resilience.ErrTooManyRequests)
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

func (p *Proxy) attempt(ctx context.Context, method string, target *url.URL, req Request) (*Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{URL: req.URL, Err: fmt.Errorf("rate limit: %w", err)}
	}

	done, err := p.breakers.Get(target.Host).Allow()
	if err != nil {
		return nil, &TransportError{URL: req.URL, Err: err}
	}

	headers, scriptCookie := p.buildHeaders(req.Headers)
	if cookie := p.jar.Merge(target, scriptCookie); cookie != "" {
		headers["Cookie"] = cookie
	}

	r := p.client.R().
		SetContext(context.WithValue(ctx, scriptCookieKey{}, scriptCookie)).
		SetHeaders(headers)
	if req.Body != nil {
		r.SetBody(*req.Body)
	}

	resp, err := r.Execute(method, target.String())
	if err != nil {
		done(false)
		return nil, &TransportError{URL: req.URL, Err: err}
	}

	final := target
	if raw := resp.RawResponse; raw != nil && raw.Request != nil {
		final = raw.Request.URL
	}
	p.jar.Persist(final, resp.Cookies())

	status := resp.StatusCode()
	done(status < http.StatusInternalServerError)

	if status == http.StatusForbidden {
		challenge := DetectChallenge(status, resp.Header(), resp.Body())
		p.logger.Info("Capability request blocked",
			zap.String("url", req.URL),
			zap.String("provider", challenge.Provider),
			zap.Bool("interactive", challenge.Interactive))
		return nil, &BlockedError{Status: status, URL: req.URL, Challenge: challenge}
	}

	body, err := decodeBody(resp.Header().Get("Content-Encoding"), resp.Body())
	if err != nil {
		return nil, &UndecodableError{URL: req.URL, Err: err}
	}
	text, charset, ok := textBody(body)
	if !ok {
		return nil, &UndecodableError{URL: req.URL, Charset: charset}
	}

	return &Response{
		Status: status,
		Body:   text,
		Header: resp.Header(),
		URL:    final.String(),
	}, nil
}

// buildHeaders applies defaults, then script headers, then the fixed user
// agent. The script's Cookie header is returned separately for merging.
func (p *Proxy) buildHeaders(script map[string]string) (map[string]string, string) {
	headers := make(map[string]string, len(defaultHeaders)+len(script)+2)
	for k, v := range defaultHeaders {
		headers[k] = v
	}

	var cookie string
	for k, v := range script {
		name := http.CanonicalHeaderKey(strings.TrimSpace(k))
		switch name {
		case "User-Agent", "Accept-Encoding", "Content-Length", "Host":
			continue
		case "Cookie":
			cookie = v
			continue
		}
		headers[name] = v
	}

	headers["User-Agent"] = p.opts.UserAgent
	headers["Accept-Encoding"] = acceptEncoding
	return headers, cookie
}

// followRedirect persists cookies set by each hop and rebuilds the Cookie
// header for the next one. Script cookies only follow within the same site.
func (p *Proxy) followRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if prev := req.Response; prev != nil && prev.Request != nil {
		p.jar.Persist(prev.Request.URL, prev.Cookies())
	}

	scriptCookie, _ := req.Context().Value(scriptCookieKey{}).(string)
	if len(via) > 0 && DomainKey(via[0].URL) != DomainKey(req.URL) {
		scriptCookie = ""
	}

	req.Header.Del("Cookie")
	if cookie := p.jar.Merge(req.URL, scriptCookie); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	req.Header.Set("User-Agent", p.opts.UserAgent)
	return nil
}
