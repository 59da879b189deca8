package dispatch

import (
	"context"
	"net/http"
	"time"
)

// Proxy describes the transport a single request should use.
type Proxy struct {
	ID      string
	URL     string
	Tier    Tier
	Country string
}

// ProxyProvider yields a proxy per request and accepts failure reports.
//
// Implementations must be safe for concurrent use: every task in a batch calls
// them concurrently. Returning (nil, nil) or an error wrapping ErrProxyExhausted
// sends the request direct.
type ProxyProvider interface {
	ProxyForRequest(ctx context.Context, tier Tier) (*Proxy, error)
	ReportFailure(proxyID string)
}

// SuccessReporter is optionally implemented by providers that want to close
// failure streaks when a proxy delivers.
type SuccessReporter interface {
	ReportSuccess(proxyID string)
}

// Profile is a client identity. The dispatcher treats it as opaque apart from
// the header values.
type Profile struct {
	Name           string     `json:"name"`
	Type           DeviceType `json:"type"`
	UserAgent      string     `json:"user_agent"`
	Accept         string     `json:"accept"`
	AcceptLanguage string     `json:"accept_language"`
}

// ProfileProvider yields a device profile for a filter. Must be safe for concurrent use.
type ProfileProvider interface {
	RandomProfile(filter DeviceType) Profile
}

// Request is what the Doer is asked to fire.
type Request struct {
	URL    string
	Proxy  *Proxy
	Header http.Header
}

// Response carries only what classification needs.
type Response struct {
	StatusCode int
}

// Doer performs the actual network call. It must honor ctx cancellation.
type Doer interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// DoerFunc adapts a function to Doer.
type DoerFunc func(ctx context.Context, req Request) (Response, error)

func (f DoerFunc) Do(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// Persistence receives the session summary. Errors are logged, never fatal.
type Persistence interface {
	SaveSessionResult(ctx context.Context, s Summary) error
}

// Sleeper waits for d or until ctx is done. It returns ctx.Err() on cancellation.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type directProxies struct{}

func (directProxies) ProxyForRequest(context.Context, Tier) (*Proxy, error) { return nil, nil }
func (directProxies) ReportFailure(string)                                  {}

type blankProfiles struct{}

func (blankProfiles) RandomProfile(filter DeviceType) Profile {
	return Profile{Name: "blank", Type: filter}
}

type nopPersistence struct{}

func (nopPersistence) SaveSessionResult(context.Context, Summary) error { return nil }
