package fetcher

import (
	"context"
	"net/url"
	"strings"
	"time"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"kxpipe/internal/errs"
)

// RodClient renders JS-heavy pages with a local headless Chromium
// instance via go-rod before extracting markdown/links/title, for
// sources the plain HTTPClient can't render (the js_rendering_required
// per-source-group flag).
type RodClient struct {
	timeout time.Duration
}

// NewRodClient builds a RodClient.
func NewRodClient(timeout time.Duration) *RodClient {
	return &RodClient{timeout: timeout}
}

func (r *RodClient) Fetch(ctx context.Context, req Request) (*Page, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, errs.New(errs.KindFetchHard, "fetcher.RodFetch", err)
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = r.timeout
	}

	browser, err := newLocalBrowser(ctx, timeout)
	if err != nil {
		return nil, errs.New(errs.KindFetchTransient, "fetcher.RodFetch", err)
	}
	defer func() { _ = browser.Close() }()

	page, err := browser.Page(proto.TargetCreateTarget{URL: u.String()})
	if err != nil {
		return nil, errs.New(errs.KindFetchTransient, "fetcher.RodFetch", err)
	}
	defer func() { _ = page.Close() }()

	if err := page.WaitLoad(); err != nil {
		return nil, errs.New(errs.KindFetchTransient, "fetcher.RodFetch", err)
	}

	htmlStr, err := page.HTML()
	if err != nil {
		return nil, errs.New(errs.KindFetchTransient, "fetcher.RodFetch", err)
	}

	converter := htmlmd.NewConverter(u.Hostname(), true, nil)
	markdown, mdErr := converter.ConvertString(htmlStr)

	doc, docErr := goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	if docErr != nil {
		if mdErr != nil {
			markdown = htmlStr
		}
		return &Page{URL: u.String(), Markdown: markdown, HTML: htmlStr, Status: 200, Engine: "browser"}, nil
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
		Status:   200,
		Engine:   "browser",
	}, nil
}

func newLocalBrowser(ctx context.Context, timeout time.Duration) (*rod.Browser, error) {
	var l *launcher.Launcher
	if path, has := launcher.LookPath(); has {
		l = launcher.New().Bin(path)
	} else {
		l = launcher.New()
	}
	l = l.Headless(true).NoSandbox(true)

	controlURL, err := l.Launch()
	if err != nil {
		return nil, err
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx).Timeout(timeout)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, err
	}
	return browser, nil
}
