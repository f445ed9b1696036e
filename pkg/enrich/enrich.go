// Package enrich gathers extra context about expired domains: the language their site was
// written in and where the Wayback Machine archived it. Nothing here is persisted.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/abadojack/whatlanggo"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/classify"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/poller"
	"github.com/rs/zerolog"
	"golang.org/x/net/html/charset"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCDXURL     = "https://web.archive.org/cdx/search/cdx"
	DefaultArchiveURL = "https://web.archive.org/web/"

	// pages larger than this are cut, the start is plenty to detect a language
	maxPageSize = 2 << 20
	// how many domains are enriched at once
	parallel = 4
	// below this many letters a guess is noise
	minText = 20
)

// Enricher looks domains up on the open web
type Enricher struct {
	HTTP *http.Client
	// CDXURL is the Wayback CDX search endpoint
	CDXURL string
	// ArchiveURL prefixes timestamp/original to form a snapshot link
	ArchiveURL string
	Logger     *zerolog.Logger
}

// New returns an Enricher whose requests time out after timeout
func New(timeout time.Duration, cdxURL string, logger *zerolog.Logger) *Enricher {
	if cdxURL == "" {
		cdxURL = DefaultCDXURL
	}
	return &Enricher{
		HTTP: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		CDXURL:     cdxURL,
		ArchiveURL: DefaultArchiveURL,
		Logger:     logger,
	}
}

func (e *Enricher) logger() *zerolog.Logger {
	if e.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return e.Logger
}

func (e *Enricher) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	resp, err := e.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	return resp, nil
}

// Language fetches the domain's home page and returns the ISO 639-1 code of its visible text.
// The code is empty when the page has too little text to tell.
func (e *Enricher) Language(ctx context.Context, domain string) (string, error) {
	resp, err := e.get(ctx, "http://"+domain)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", domain, err)
	}
	defer resp.Body.Close()

	reader, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		reader = resp.Body
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(reader, maxPageSize))
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", domain, err)
	}
	doc.Find("script, style, noscript").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if len([]rune(text)) < minText {
		return "", nil
	}
	return whatlanggo.Detect(text).Lang.Iso6391(), nil
}

// Snapshots returns up to limit archived copies of the domain, oldest first, one per distinct
// page content
func (e *Enricher) Snapshots(ctx context.Context, domain string, limit int) ([]string, error) {
	q := url.Values{}
	q.Set("url", domain)
	q.Set("output", "json")
	q.Set("fl", "timestamp,original")
	q.Set("collapse", "digest")
	q.Set("limit", strconv.Itoa(limit))

	resp, err := e.get(ctx, e.CDXURL+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("querying snapshots of %s: %w", domain, err)
	}
	defer resp.Body.Close()

	var rows [][]string
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decoding snapshots of %s: %w", domain, err)
	}
	if len(rows) <= 1 {
		return nil, nil
	}
	out := make([]string, 0, len(rows)-1)
	// the first row is the field header
	for _, row := range rows[1:] {
		if len(row) < 2 {
			continue
		}
		out = append(out, e.ArchiveURL+row[0]+"/"+row[1])
	}
	return out, nil
}

// Report is the enrichment of one domain
type Report struct {
	Domain    string   `json:"domain"`
	Language  string   `json:"language,omitempty"`
	Snapshots []string `json:"snapshots,omitempty"`
}

// Expired enriches every expired finding and logs the result. Per-domain errors are logged
// and leave the corresponding fields empty.
func (e *Enricher) Expired(ctx context.Context, findings []poller.Finding, snapshots int) []Report {
	var targets []string
	for _, f := range findings {
		if f.Class == classify.Expired {
			targets = append(targets, f.Name)
		}
	}
	reports := make([]Report, len(targets))

	var g errgroup.Group
	g.SetLimit(parallel)
	for i, domain := range targets {
		g.Go(func() error {
			r := Report{Domain: domain}
			lang, err := e.Language(ctx, domain)
			if err != nil {
				e.logger().Debug().Err(err).Str("domain", domain).Msg("language detection failed")
			}
			r.Language = lang
			if snapshots > 0 {
				snaps, err := e.Snapshots(ctx, domain, snapshots)
				if err != nil {
					e.logger().Debug().Err(err).Str("domain", domain).Msg("snapshot lookup failed")
				}
				r.Snapshots = snaps
			}
			e.logger().Info().
				Str("domain", domain).
				Str("language", r.Language).
				Strs("snapshots", r.Snapshots).
				Msg("expired domain")
			reports[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return reports
}
