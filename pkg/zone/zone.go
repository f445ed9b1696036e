// Package zone extracts the set of domain names listed in a registry zone file.
//
// Zone files are large (millions of lines for a gTLD), so the parser streams the input and
// only keeps the deduplicated names. Lines that do not look like a record are skipped and
// counted, never fatal.
package zone

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// recordPattern matches "name ttl class type data", data being the rest of the line
var recordPattern = regexp.MustCompile(`^(\S+)\s+(\d+)\s+(\S+)\s+(\S+)\s+(.+)$`)

// maxLineSize bounds a single zone line; DNSSEC records can be long
const maxLineSize = 1 << 20

// Set is a deduplicated set of normalized domain names
type Set map[string]struct{}

// Add inserts a normalized name into the set
func (s Set) Add(name string) { s[name] = struct{}{} }

// Has reports whether name is in the set
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the names in the set, sorted so runs are reproducible
func (s Set) Names() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Stats are the diagnostics of one parse
type Stats struct {
	// Lines read (after sampling), including blanks and comments
	Lines int `json:"lines"`
	// Records that matched the record pattern
	Records int `json:"records"`
	// Skipped lines that did not match the record pattern
	Skipped int `json:"skipped"`
	// Unique names in the resulting set
	Unique int `json:"unique"`
}

type options struct {
	sample int
	rnd    *rand.Rand
	logger *zerolog.Logger
}

// Option configures Parse
type Option func(*options)

// WithSample makes Parse look at a uniform random sample of n lines instead of the whole file.
// Used for quick debug runs against a full zone.
func WithSample(n int, rnd *rand.Rand) Option {
	return func(o *options) {
		o.sample = n
		o.rnd = rnd
	}
}

// WithLogger logs skipped lines at debug level
func WithLogger(l *zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Normalize lowercases a record name and strips its trailing dot
func Normalize(name string) string {
	return strings.TrimSuffix(dns.CanonicalName(name), ".")
}

// Parse reads zone records from r and returns the unique names they mention.
// Only read errors are returned; malformed lines are counted in Stats.Skipped.
func Parse(r io.Reader, opts ...Option) (Set, Stats, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	set := make(Set)
	var stats Stats

	handle := func(line string) {
		stats.Lines++
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ";") {
			return
		}
		m := recordPattern.FindStringSubmatch(line)
		if m == nil {
			stats.Skipped++
			logger.Debug().Str("line", line).Msg("line skipped (unmatched format)")
			return
		}
		stats.Records++
		// the root names no domain
		if name := Normalize(m[1]); name != "" {
			set.Add(name)
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	if o.sample > 0 {
		sampled, err := sampleLines(scanner, o.sample, o.rnd)
		if err != nil {
			return nil, stats, err
		}
		for _, line := range sampled {
			handle(line)
		}
	} else {
		for scanner.Scan() {
			handle(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return nil, stats, fmt.Errorf("reading zone: %w", err)
		}
	}

	stats.Unique = len(set)
	return set, stats, nil
}

// sampleLines keeps a reservoir of n lines so the whole zone never sits in memory
func sampleLines(scanner *bufio.Scanner, n int, rnd *rand.Rand) ([]string, error) {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(rand.Int63()))
	}
	reservoir := make([]string, 0, n)
	seen := 0
	for scanner.Scan() {
		seen++
		if len(reservoir) < n {
			reservoir = append(reservoir, scanner.Text())
			continue
		}
		if j := rnd.Intn(seen); j < n {
			reservoir[j] = scanner.Text()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading zone: %w", err)
	}
	return reservoir, nil
}

// ParseFile opens path and parses it
func ParseFile(path string, opts ...Option) (Set, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("opening zone file: %w", err)
	}
	defer f.Close()
	return Parse(f, opts...)
}
