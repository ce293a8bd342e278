package telegram

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/m3rciful/policybot/core/telegram/netutil"
)

var errNoReplay = errors.New("telegram: request body cannot be replayed")

// clientTuning holds the transport limits for Bot API calls.
var clientTuning = struct {
	dial, keepAlive, tls, idle, header, overall time.Duration
	retries                                     int
	backoff, maxWait                            time.Duration
}{
	dial:      5 * time.Second,
	keepAlive: 30 * time.Second,
	tls:       5 * time.Second,
	idle:      30 * time.Second,
	header:    5 * time.Second,
	overall:   30 * time.Second,
	retries:   3,
	backoff:   2 * time.Second,
	maxWait:   30 * time.Second,
}

// BuildHTTPClient returns the client used for Bot API calls. The long
// polling window is added to the header and overall timeouts so getUpdates
// is not cut short.
func BuildHTTPClient(pollTimeout time.Duration) *http.Client {
	t := clientTuning
	if pollTimeout > 0 {
		t.header += pollTimeout
		t.overall += pollTimeout
	}
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: t.dial, KeepAlive: t.keepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       t.idle,
		TLSHandshakeTimeout:   t.tls,
		ResponseHeaderTimeout: t.header,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Timeout:   t.overall,
		Transport: &retryTransport{base: base, retries: t.retries, backoff: t.backoff, maxWait: t.maxWait},
	}
}

// retryTransport repeats a request after transient network errors and
// after 429 answers whose Retry-After fits within maxWait. Other HTTP
// statuses are returned as they are, since a send may already have been
// delivered.
type retryTransport struct {
	base    http.RoundTripper
	retries int
	backoff time.Duration
	maxWait time.Duration
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	for attempt := 1; ; attempt++ {
		resp, err := base.RoundTrip(req)
		if attempt > t.retries {
			return resp, err
		}
		wait, retry := t.waitFor(resp, err, attempt)
		if !retry {
			return resp, err
		}
		next, rwErr := rewind(req)
		if rwErr != nil {
			return resp, err
		}
		if resp != nil {
			resp.Body.Close()
		}
		req = next
		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
}

func (t *retryTransport) waitFor(resp *http.Response, err error, attempt int) (time.Duration, bool) {
	if err != nil {
		return netutil.Backoff(err, attempt, t.backoff)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After"))
	if convErr != nil || secs <= 0 {
		return t.backoff * time.Duration(attempt), true
	}
	wait := time.Duration(secs) * time.Second
	return wait, wait <= t.maxWait
}

// rewind prepares req to be sent again. It fails with errNoReplay when the
// body cannot be produced a second time.
func rewind(req *http.Request) (*http.Request, error) {
	next := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return next, nil
	}
	if req.GetBody == nil {
		return nil, errNoReplay
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	next.Body = body
	return next, nil
}
