package lookup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/likexian/whois"
	"github.com/openrdap/rdap"
	"github.com/rs/zerolog"
)

// Registry queries RDAP first and falls back to WHOIS when RDAP has no server for the TLD or
// does not publish an expiration event.
type Registry struct {
	RDAP *rdap.Client
	// RDAPServer skips bootstrap and sends every query to this base URL
	RDAPServer *url.URL
	// WhoisTimeout bounds one WHOIS lookup including referrals
	WhoisTimeout time.Duration
	// WhoisServer skips the IANA referral and queries this host[:port] directly
	WhoisServer string
	Logger      *zerolog.Logger
	// whoisQuery is swapped out in tests
	whoisQuery func(ctx context.Context, domain string) (string, error)
}

// NewRegistry builds a client with both transports enabled. timeout bounds each transport
// independently of the caller's context.
func NewRegistry(timeout time.Duration, useRDAP, useWhois bool, logger *zerolog.Logger) *Registry {
	r := &Registry{Logger: logger}
	if useRDAP {
		r.RDAP = &rdap.Client{HTTP: &http.Client{Timeout: timeout}}
	}
	if useWhois {
		r.WhoisTimeout = timeout
		r.whoisQuery = r.queryWhois
	}
	return r
}

// queryWhois runs one WHOIS query on a client bound to ctx. The client's own timeout is cut to
// the time left on ctx, and cancelling ctx closes the connection, so the query never outlives
// the caller.
func (r *Registry) queryWhois(ctx context.Context, domain string) (string, error) {
	timeout := r.WhoisTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			return "", ctx.Err()
		}
		timeout = min(timeout, left)
	}
	client := whois.NewClient().
		SetTimeout(timeout).
		SetDialer(&ctxDialer{ctx: ctx, dialer: &net.Dialer{Timeout: timeout}})
	if r.WhoisServer != "" {
		return client.Whois(domain, r.WhoisServer)
	}
	return client.Whois(domain)
}

// ctxDialer ties every connection it opens to ctx
type ctxDialer struct {
	ctx    context.Context
	dialer *net.Dialer
}

func (d *ctxDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(d.ctx, network, addr)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(d.ctx, func() { conn.Close() })
	return &ctxConn{Conn: conn, stop: stop}, nil
}

type ctxConn struct {
	net.Conn
	stop func() bool
}

func (c *ctxConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

func (r *Registry) logger() *zerolog.Logger {
	if r.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return r.Logger
}

// Lookup returns the first expiry date published for domain.
func (r *Registry) Lookup(ctx context.Context, domain string) (*time.Time, error) {
	var rdapErr error
	if r.RDAP != nil {
		dates, err := r.rdapDates(ctx, domain)
		switch {
		case err == nil && len(dates) > 0:
			return First(dates), nil
		case err != nil && KindOf(err) == KindNotFound, err != nil && KindOf(err) == KindTimeout:
			return nil, err
		case err != nil:
			r.logger().Debug().Str("domain", domain).Err(err).Msg("rdap failed, trying whois")
			rdapErr = err
		}
	}
	if r.whoisQuery == nil {
		return nil, rdapErr
	}
	return r.whoisLookup(ctx, domain)
}

func (r *Registry) rdapDates(ctx context.Context, domain string) ([]time.Time, error) {
	req := (&rdap.Request{Type: rdap.DomainRequest, Query: domain, Server: r.RDAPServer}).WithContext(ctx)
	resp, err := r.RDAP.Do(req)
	if err != nil {
		var ce *rdap.ClientError
		switch {
		case ctx.Err() != nil:
			return nil, newError(KindTimeout, domain, err)
		case errors.As(err, &ce) && ce.Type == rdap.ObjectDoesNotExist:
			return nil, newError(KindNotFound, domain, err)
		default:
			return nil, newError(KindProtocol, domain, err)
		}
	}
	d, ok := resp.Object.(*rdap.Domain)
	if !ok {
		return nil, newError(KindMalformed, domain, fmt.Errorf("unexpected rdap object %T", resp.Object))
	}
	var dates []time.Time
	for _, event := range d.Events {
		if !strings.EqualFold(event.Action, "expiration") {
			continue
		}
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(event.Date))
		if err != nil {
			return nil, newError(KindMalformed, domain, err)
		}
		dates = append(dates, t.UTC())
	}
	return dates, nil
}

// whoisLookup waits for the query to return. The query is bound to ctx, so a timed out lookup
// leaves nothing running behind it.
func (r *Registry) whoisLookup(ctx context.Context, domain string) (*time.Time, error) {
	text, err := r.whoisQuery(ctx, domain)
	if err != nil {
		var ne net.Error
		if ctx.Err() != nil {
			return nil, newError(KindTimeout, domain, ctx.Err())
		}
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, newError(KindTimeout, domain, err)
		}
		return nil, newError(KindProtocol, domain, err)
	}
	if IsWhoisNotFound(text) {
		return nil, newError(KindNotFound, domain, errors.New("no match"))
	}
	dates, found := ExtractExpiry(text)
	if found && len(dates) == 0 {
		return nil, newError(KindMalformed, domain, errors.New("unparseable expiry field"))
	}
	return First(dates), nil
}
