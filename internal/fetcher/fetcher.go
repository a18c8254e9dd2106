// Package fetcher is the external collaborator that turns a URL into a
// Source's raw content. The HTTP+goquery+html-to-markdown engine and the
// rod-based JS-rendering engine share a Client interface so callers can
// swap engines per source group; retry/rate-limit plumbing lives in the
// crawl worker (internal/crawlworker), not here — the fetcher stays a
// thin single-page-in, content-out collaborator.
package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"kxpipe/internal/errs"
)

// Request is a single-page fetch request.
type Request struct {
	URL       string
	Headers   map[string]string
	Timeout   time.Duration
	UserAgent string
}

// Link is an outbound link discovered on the page.
type Link struct {
	URL  string
	Text string
	Rel  string
}

// Page is the fetch engine's raw output; internal/clean and
// internal/crawlworker turn this into a model.Source.
type Page struct {
	URL      string
	Title    string
	Markdown string
	HTML     string
	Links    []Link
	Status   int
	Engine   string
}

// Client is the fetch abstraction internal/crawlworker drives.
type Client interface {
	Fetch(ctx context.Context, req Request) (*Page, error)
}

// HTTPClient fetches pages with a plain net/http GET, converting the
// response body to markdown via html-to-markdown and extracting links
// and title via goquery.
type HTTPClient struct {
	http *http.Client
}

// NewHTTPClient builds an HTTPClient with the given default timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{http: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) Fetch(ctx context.Context, req Request) (*Page, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, errs.New(errs.KindFetchHard, "fetcher.Fetch", err)
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errs.New(errs.KindFetchHard, "fetcher.Fetch", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errs.New(errs.KindFetchTransient, "fetcher.Fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, errs.New(errs.KindFetchTransient, "fetcher.Fetch", httpStatusErr(resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, errs.New(errs.KindFetchHard, "fetcher.Fetch", httpStatusErr(resp.StatusCode))
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(errs.KindFetchTransient, "fetcher.Fetch", err)
	}
	htmlStr := string(bodyBytes)

	converter := htmlmd.NewConverter(u.Hostname(), true, nil)
	markdown, mdErr := converter.ConvertString(htmlStr)

	doc, docErr := goquery.NewDocumentFromReader(bytes.NewReader(bodyBytes))
	if docErr != nil {
		if mdErr != nil {
			markdown = htmlStr
		}
		return &Page{URL: u.String(), Markdown: markdown, HTML: htmlStr, Status: resp.StatusCode, Engine: "http"}, nil
	}

	if mdErr != nil {
		markdown = doc.Text()
	}

	return &Page{
		URL:      u.String(),
		Title:    strings.TrimSpace(doc.Find("title").First().Text()),
		Markdown: markdown,
		HTML:     htmlStr,
		Links:    extractLinks(doc, u),
		Status:   resp.StatusCode,
		Engine:   "http",
	}, nil
}

func extractLinks(doc *goquery.Document, base *url.URL) []Link {
	var links []Link
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		linkURL, err := url.Parse(href)
		if err != nil {
			return
		}
		if !linkURL.IsAbs() {
			linkURL = base.ResolveReference(linkURL)
		}
		if linkURL.Scheme != "http" && linkURL.Scheme != "https" {
			return
		}
		linkURL.Fragment = ""
		links = append(links, Link{
			URL:  linkURL.String(),
			Text: strings.TrimSpace(sel.Text()),
			Rel:  strings.TrimSpace(sel.AttrOr("rel", "")),
		})
	})
	return links
}

type statusErr struct{ code int }

func (e statusErr) Error() string { return http.StatusText(e.code) }

func httpStatusErr(code int) error { return statusErr{code: code} }
