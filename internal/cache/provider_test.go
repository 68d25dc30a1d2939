package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	status  int
	header  http.Header
	body    string
	err     error
	targets []string
}

func (s *stubFetcher) Fetch(_ context.Context, target *url.URL, _ string) (*http.Response, error) {
	s.targets = append(s.targets, target.String())
	if s.err != nil {
		return nil, s.err
	}
	header := s.header
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode:    s.status,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(s.body)),
		ContentLength: int64(len(s.body)),
	}, nil
}

func TestNewProviderSelectsImplementation(t *testing.T) {
	fetcher := &stubFetcher{status: http.StatusOK}

	cdn := NewProvider("https://cdn.example.com", fetcher, Options{})
	assert.Equal(t, KindCDN, cdn.Kind())

	cdnHTTP := NewProvider("http://cdn.example.com/base", fetcher, Options{})
	assert.Equal(t, KindCDN, cdnHTTP.Kind())

	sharded := NewProvider(t.TempDir(), fetcher, Options{Limit: 1 << 30, DiskReserve: -1})
	assert.Equal(t, KindSharded, sharded.Kind())
	_, isRunner := sharded.(Runner)
	assert.True(t, isRunner)

	none := NewProvider("", fetcher, Options{})
	assert.Equal(t, KindPassthrough, none.Kind())
}

func TestNewProviderFallsBackWithoutFetcher(t *testing.T) {
	p := NewProvider("https://cdn.example.com", nil, Options{})
	assert.Equal(t, KindPassthrough, p.Kind())
}

func TestPassthroughNeverHits(t *testing.T) {
	p := Passthrough{}
	_, err := p.Lookup(context.Background(), &url.URL{Path: "/data/a/b.png"}, "")
	assert.ErrorIs(t, err, ErrMiss)

	sink, err := p.Store(&url.URL{Path: "/data/a/b.png"}, http.StatusOK, 3)
	require.NoError(t, err)
	n, err := sink.Write([]byte("abc"))
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, sink.Commit())
	assert.Equal(t, int64(-1), p.Stats().FreeDisk)
}

func TestCDNLookupUsesOriginAndPath(t *testing.T) {
	fetcher := &stubFetcher{
		status: http.StatusOK,
		header: http.Header{
			"Content-Type":    []string{"image/png"},
			"Cf-Cache-Status": []string{"HIT"},
			"Last-Modified":   []string{"Mon, 01 Jun 2020 10:00:00 GMT"},
		},
		body: "png",
	}
	cdn, err := NewCDN("https://cdn.example.com", fetcher, nil)
	require.NoError(t, err)

	hit, err := cdn.Lookup(context.Background(), mustURL(t, "https://img.example.com/data/af09/image.png"), "1.2.3.4")
	require.NoError(t, err)
	defer hit.Body.Close()

	require.Len(t, fetcher.targets, 1)
	assert.Equal(t, "https://cdn.example.com/data/af09/image.png", fetcher.targets[0])
	assert.Equal(t, "HIT", hit.Cache)
	assert.Equal(t, "HIT", hit.CacheLookup)
	assert.Equal(t, "image/png", hit.ContentType)
	assert.Equal(t, int64(3), hit.ContentLength)
	assert.Equal(t, "Mon, 01 Jun 2020 10:00:00 GMT", hit.LastModified)
}

func TestCDNLookupMissOnErrorOrStatus(t *testing.T) {
	notFound, err := NewCDN("https://cdn.example.com", &stubFetcher{status: http.StatusNotFound}, nil)
	require.NoError(t, err)
	_, err = notFound.Lookup(context.Background(), mustURL(t, "https://img.example.com/data/a/b.png"), "")
	assert.ErrorIs(t, err, ErrMiss)

	broken, err := NewCDN("https://cdn.example.com", &stubFetcher{err: errors.New("dial failed")}, nil)
	require.NoError(t, err)
	_, err = broken.Lookup(context.Background(), mustURL(t, "https://img.example.com/data/a/b.png"), "")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestResponseHitDefaults(t *testing.T) {
	resp := &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"X-Cache": []string{"MISS"}, "X-Cache-Lookup": []string{"MISS from edge"}},
		Body:          io.NopCloser(strings.NewReader("")),
		ContentLength: -1,
	}
	hit := ResponseHit(resp)
	assert.Equal(t, "MISS", hit.Cache)
	assert.Equal(t, "MISS from edge", hit.CacheLookup)
	assert.Equal(t, "application/octet-stream", hit.ContentType)
	assert.Equal(t, int64(-1), hit.ContentLength)

	bare := ResponseHit(&http.Response{Header: http.Header{}, Body: io.NopCloser(strings.NewReader("")), ContentLength: 5})
	assert.Equal(t, "MISS", bare.Cache)
	assert.Equal(t, "MISS", bare.CacheLookup)
	assert.Equal(t, int64(5), bare.ContentLength)
}
