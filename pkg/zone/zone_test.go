package zone

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExampleScenario(t *testing.T) {
	input := strings.Join([]string{
		"example.org. 86400 in ns a0.org.afilias-nst.info.",
		"; comment",
		"this line is malformed",
	}, "\n")

	set, stats, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"example.org"}, set.Names())
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Records)
	assert.Equal(t, 3, stats.Lines)
	assert.Equal(t, 1, stats.Unique)
}

func TestParseDeduplicates(t *testing.T) {
	input := `
example.org. 86400 in ns a0.org.afilias-nst.info.
example.org. 86400 in ns a2.org.afilias-nst.info.
EXAMPLE.ORG 3600 in ns b0.org.afilias-nst.org.
other.org. 86400 in ns ns1.other.org.
`
	set, stats, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"example.org", "other.org"}, set.Names())
	assert.Equal(t, 4, stats.Records)
	assert.Equal(t, 0, stats.Skipped)
}

func TestParseSkipsWhatDoesNotLookLikeARecord(t *testing.T) {
	input := `
$ORIGIN org.
$TTL 86400
   ; indented comment
example.org. notanumber in ns ns1.example.org.
example.org. 86400 in ns
good.org. 86400 in ds 12345 8 2 ABCDEF0123
`
	set, stats, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	assert.True(t, set.Has("good.org"))
	assert.Len(t, set, 1)
	assert.Equal(t, 4, stats.Skipped)
}

func TestParseIgnoresRootRecords(t *testing.T) {
	input := `
. 86400 in soa a.root-servers.net. nstld.verisign-grs.com. 2024010100 1800 900 604800 86400
. 86400 in ns a.root-servers.net.
example.org. 86400 in ns a0.org.afilias-nst.info.
`
	set, stats, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"example.org"}, set.Names())
	assert.Equal(t, 3, stats.Records)
	assert.Equal(t, 1, stats.Unique)
	assert.False(t, set.Has(""))
}

func TestParseStripsSingleTrailingDot(t *testing.T) {
	assert.Equal(t, "example.org", Normalize("example.org."))
	assert.Equal(t, "example.org", Normalize("Example.ORG"))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestParseReturnsReadErrors(t *testing.T) {
	_, _, err := Parse(failingReader{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestParseSample(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 500; i++ {
		b.WriteString("d")
		b.WriteString(strings.Repeat("x", i%7))
		b.WriteString(".org. 86400 in ns ns1.example.net.\n")
	}
	set, stats, err := Parse(strings.NewReader(b.String()), WithSample(20, rand.New(rand.NewSource(1))))
	require.NoError(t, err)
	assert.Equal(t, 20, stats.Lines)
	assert.Equal(t, 20, stats.Records)
	assert.LessOrEqual(t, len(set), 7)
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "org.txt")
	require.NoError(t, os.WriteFile(path, []byte("a.org. 86400 in ns ns1.a.org.\n"), 0o644))

	set, _, err := ParseFile(path)
	require.NoError(t, err)
	assert.True(t, set.Has("a.org"))

	_, _, err = ParseFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("a.org. 86400 in ns ns1.a.org.\n"))
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "org.txt")
	n, err := Fetch(context.Background(), srv.Client(), srv.URL+"/zone", dst)
	require.NoError(t, err)
	assert.Equal(t, int64(30), n)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "a.org. 86400 in ns ns1.a.org.\n", string(data))

	other := filepath.Join(t.TempDir(), "other.txt")
	_, err = Fetch(context.Background(), srv.Client(), srv.URL+"/missing", other)
	require.Error(t, err)
	_, statErr := os.Stat(other)
	assert.True(t, os.IsNotExist(statErr))
}
