package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<html>
<head><title>  Widget Catalog  </title></head>
<body>
<p>Welcome to the catalog.</p>
<a href="/products/widget">Widget</a>
<a href="https://other.example.com/page">External</a>
<a href="#section">Anchor only</a>
<a href="mailto:hi@example.com">Email</a>
<a href="/products/widget#details">With fragment</a>
</body>
</html>`

func TestFetchParsesTitleMarkdownAndLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	c := NewHTTPClient(5 * time.Second)
	page, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "Widget Catalog", page.Title)
	assert.Equal(t, "http", page.Engine)
	assert.Equal(t, http.StatusOK, page.Status)
	assert.Contains(t, page.Markdown, "Welcome to the catalog")

	var urls []string
	for _, l := range page.Links {
		urls = append(urls, l.URL)
	}
	assert.Contains(t, urls, srv.URL+"/products/widget")
	assert.Contains(t, urls, "https://other.example.com/page")
	assert.NotContains(t, urls, srv.URL+"/products/widget#details")
	assert.Len(t, page.Links, 3)
}

func TestFetchNonAbsoluteNonHTTPLinksExcluded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	c := NewHTTPClient(5 * time.Second)
	page, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	for _, l := range page.Links {
		assert.NotContains(t, l.URL, "mailto:")
	}
}

func TestFetch5xxReturnsTransientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(5 * time.Second)
	_, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
}

func TestFetch4xxReturnsHardError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(5 * time.Second)
	_, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
}

func TestFetchSendsUserAgentHeader(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	c := NewHTTPClient(5 * time.Second)
	_, err := c.Fetch(context.Background(), Request{URL: srv.URL, UserAgent: "kxpipe-bot/1.0"})
	require.NoError(t, err)
	assert.Equal(t, "kxpipe-bot/1.0", gotUA)
}
