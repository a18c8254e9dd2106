// Package crawlworker runs scrape and crawl jobs from the job store:
// fetch a page, classify it, clean it, persist it as a Source, and (for
// crawl jobs) discover and enqueue same-domain outbound links up to the
// project's crawl config.
package crawlworker

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kxpipe/internal/classify"
	"kxpipe/internal/clean"
	"kxpipe/internal/errs"
	"kxpipe/internal/fetcher"
	"kxpipe/internal/jobstore"
	"kxpipe/internal/model"
	"kxpipe/internal/ratelimit"
	"kxpipe/internal/relstore"
	"kxpipe/internal/retry"
)

// boilerplateRefreshEvery rebuilds a domain's boilerplate fingerprint
// when the number of its stored pages returned by ListSourcesByDomain
// (at most boilerplateListLimit) is a multiple of this many pages. Once
// a domain has boilerplateListLimit or more stored pages that number
// stays at boilerplateListLimit, so the fingerprint is rebuilt after
// every stored page.
const boilerplateRefreshEvery = 5

// boilerplateListLimit bounds how many of a domain's most recent pages
// feed BuildBoilerplate.
const boilerplateListLimit = 50

// ScrapePayload is a scrape job's input: a flat list of URLs to fetch,
// all reported against one job result rather than one job per URL.
type ScrapePayload struct {
	URLs            []string `json:"urls"`
	SourceGroup     string   `json:"source_group"`
	JSRenderingNeed bool     `json:"js_rendering_required"`
}

// ScrapeResult is the job.result counters a scrape job reports: how many
// of its URLs landed in each outcome bucket, plus the sources created.
type ScrapeResult struct {
	Scraped     int         `json:"scraped"`
	Failed      int         `json:"failed"`
	RateLimited int         `json:"rate_limited"`
	SourceIDs   []uuid.UUID `json:"source_ids"`
}

// CrawlPayload is a crawl job's input: one page to fetch plus the depth
// it was discovered at, since crawl jobs recurse by enqueueing one child
// job per discovered link rather than batching URLs like scrape jobs do.
type CrawlPayload struct {
	URL             string `json:"url"`
	SourceGroup     string `json:"source_group"`
	Depth           int    `json:"depth"`
	JSRenderingNeed bool   `json:"js_rendering_required"`
}

// pageRequest is the subset of a scrape/crawl payload fetchAndStoreWithPage needs.
type pageRequest struct {
	URL             string
	SourceGroup     string
	JSRenderingNeed bool
}

// Worker executes scrape/crawl jobs claimed from the job store.
type Worker struct {
	jobs     *jobstore.Store
	rel      *relstore.Store
	fetchers map[bool]fetcher.Client // keyed by js-rendering-required
	limiter  *ratelimit.Limiter
	retryCfg retry.Config
	log      zerolog.Logger
}

// New builds a Worker. plain handles ordinary pages, rendered handles
// pages requiring JS rendering.
func New(jobs *jobstore.Store, rel *relstore.Store, plain, rendered fetcher.Client, limiter *ratelimit.Limiter, retryCfg retry.Config, log zerolog.Logger) *Worker {
	return &Worker{
		jobs:     jobs,
		rel:      rel,
		fetchers: map[bool]fetcher.Client{false: plain, true: rendered},
		limiter:  limiter,
		retryCfg: retryCfg,
		log:      log,
	}
}

// RunScrapeJob fetches every URL in the job's payload, counting each
// into scraped/failed/rate_limited rather than letting any one outcome
// fail the whole job. The job only fails if every URL failed.
func (w *Worker) RunScrapeJob(ctx context.Context, job *model.Job, project *model.Project) error {
	var p ScrapePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return errs.New(errs.KindValidationViolation, "crawlworker.RunScrapeJob", err)
	}

	var result ScrapeResult
	for _, u := range p.URLs {
		cancelled, err := w.jobs.IsCancellationRequested(ctx, job.ID)
		if err != nil {
			return err
		}
		if cancelled {
			return w.jobs.MarkCancelled(ctx, job.ID)
		}

		src, _, err := w.fetchAndStoreWithPage(ctx, job, project, pageRequest{
			URL:             u,
			SourceGroup:     p.SourceGroup,
			JSRenderingNeed: p.JSRenderingNeed,
		})
		switch {
		case err == nil:
			result.Scraped++
			result.SourceIDs = append(result.SourceIDs, src.ID)
		case errs.KindOf(err) == errs.KindRateLimitExceeded:
			result.RateLimited++
			w.log.Warn().Err(err).Str("url", u).Msg("domain rate limit exceeded, skipping url")
		default:
			result.Failed++
			w.log.Warn().Err(err).Str("url", u).Msg("failed to scrape url")
		}
	}

	status := model.JobStatusCompleted
	errMsg := ""
	if len(p.URLs) > 0 && result.Scraped == 0 {
		status = model.JobStatusFailed
		errMsg = "all urls failed"
	}

	if status == model.JobStatusCompleted {
		w.maybeEnqueueAutoExtract(ctx, job, project, result.SourceIDs)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return errs.New(errs.KindValidationViolation, "crawlworker.RunScrapeJob", err)
	}
	return w.jobs.Advance(ctx, job.ID, status, raw, errMsg)
}

// RunCrawlJob fetches a page, stores it, and enqueues newly discovered
// same-domain links as further crawl jobs up to the project's crawl
// depth/limit.
func (w *Worker) RunCrawlJob(ctx context.Context, job *model.Job, project *model.Project) error {
	var p CrawlPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return errs.New(errs.KindValidationViolation, "crawlworker.RunCrawlJob", err)
	}

	cancelled, err := w.jobs.IsCancellationRequested(ctx, job.ID)
	if err != nil {
		return err
	}
	if cancelled {
		return w.jobs.MarkCancelled(ctx, job.ID)
	}

	src, page, err := w.fetchAndStoreWithPage(ctx, job, project, pageRequest{
		URL:             p.URL,
		SourceGroup:     p.SourceGroup,
		JSRenderingNeed: p.JSRenderingNeed,
	})
	if err != nil {
		return err
	}

	if project.CrawlConfig != nil && p.Depth < project.CrawlConfig.MaxDepth {
		links := filterLinks(page.Links, p.URL, project.CrawlConfig)
		for _, link := range links {
			childPayload, _ := json.Marshal(CrawlPayload{URL: link, SourceGroup: p.SourceGroup, Depth: p.Depth + 1})
			if _, err := w.jobs.Create(ctx, job.ProjectID, model.JobTypeCrawl, job.Priority, json.RawMessage(childPayload)); err != nil {
				w.log.Warn().Err(err).Str("url", link).Msg("failed to enqueue discovered link")
			}
		}
	}

	w.maybeEnqueueAutoExtract(ctx, job, project, []uuid.UUID{src.ID})

	result, _ := json.Marshal(map[string]any{"source_id": src.ID})
	return w.jobs.Advance(ctx, job.ID, model.JobStatusCompleted, result, "")
}

// maybeEnqueueAutoExtract enqueues one extract job per newly created
// source when the project's crawl config has auto_extract set.
// extractworker's payload (and the LLM queue's per-source routing key)
// is keyed to a single source, so fanning out to several sources means
// one extract job per source rather than one job naming them all.
func (w *Worker) maybeEnqueueAutoExtract(ctx context.Context, job *model.Job, project *model.Project, sourceIDs []uuid.UUID) {
	if project.CrawlConfig == nil || !project.CrawlConfig.AutoExtract {
		return
	}
	for _, sourceID := range sourceIDs {
		payload, _ := json.Marshal(map[string]uuid.UUID{"source_id": sourceID})
		if _, err := w.jobs.Create(ctx, job.ProjectID, model.JobTypeExtract, job.Priority, json.RawMessage(payload)); err != nil {
			w.log.Warn().Err(err).Str("source_id", sourceID.String()).Msg("failed to enqueue auto-extract job")
		}
	}
}

func (w *Worker) fetchAndStoreWithPage(ctx context.Context, job *model.Job, project *model.Project, p pageRequest) (*model.Source, *fetcher.Page, error) {
	domain := domainOf(p.URL)
	if w.limiter != nil {
		if err := w.limiter.Acquire(ctx, domain); err != nil {
			return nil, nil, err
		}
	}

	var page *fetcher.Page
	err := retry.Do(ctx, w.retryCfg, nil, func(ctx context.Context) error {
		client := w.fetchers[p.JSRenderingNeed]
		fetched, ferr := client.Fetch(ctx, fetcher.Request{URL: p.URL, Timeout: 30 * time.Second})
		if ferr != nil {
			return ferr
		}
		page = fetched
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	result := classify.Classify(p.URL, page.Title, project.ClassificationConfig)
	cleaned := clean.CleanForEmbedding(page.Markdown, clean.DefaultDensityConfig())

	if bp, bperr := w.rel.GetDomainBoilerplate(ctx, job.ProjectID, domain); bperr == nil {
		cleaned = clean.RemoveBoilerplate(cleaned, bp)
	} else if !errors.Is(bperr, relstore.ErrNotFound) {
		w.log.Warn().Err(bperr).Str("domain", domain).Msg("failed to load domain boilerplate fingerprint")
	}

	src := &model.Source{
		ProjectID:            job.ProjectID,
		URI:                  p.URL,
		SourceGroup:          p.SourceGroup,
		SourceType:           model.SourceTypeWeb,
		Title:                page.Title,
		Content:              page.Markdown,
		CleanedContent:       cleaned,
		Status:               "fetched",
		CreatedByJobID:       &job.ID,
		PageType:             string(result.Method),
		RelevantFieldGroups:  result.Groups,
		ClassificationMethod: string(result.Method),
		ClassificationConf:   result.Confidence,
		MetaData: model.SourceMetadata{
			HTTPStatus: page.Status,
			Domain:     domain,
		},
	}

	saved, err := w.rel.CreateSource(ctx, src)
	if err != nil {
		return nil, nil, err
	}

	w.maybeRefreshBoilerplate(ctx, job.ProjectID, domain)

	return saved, page, nil
}

// maybeRefreshBoilerplate rebuilds and upserts the domain's boilerplate
// fingerprint when the count of its most recently stored pages (capped
// at boilerplateListLimit) is a boilerplateRefreshEvery multiple, using
// those pages.
func (w *Worker) maybeRefreshBoilerplate(ctx context.Context, projectID uuid.UUID, domain string) {
	sources, err := w.rel.ListSourcesByDomain(ctx, projectID, domain, boilerplateListLimit)
	if err != nil {
		w.log.Warn().Err(err).Str("domain", domain).Msg("failed to list sources for boilerplate refresh")
		return
	}
	if len(sources) == 0 || len(sources)%boilerplateRefreshEvery != 0 {
		return
	}

	pages := make([]string, 0, len(sources))
	for _, s := range sources {
		pages = append(pages, s.EffectiveContent())
	}

	bp, ok := clean.BuildBoilerplate(projectID, domain, pages, clean.DefaultBoilerplateConfig())
	if !ok {
		return
	}
	if err := w.rel.UpsertDomainBoilerplate(ctx, bp); err != nil {
		w.log.Warn().Err(err).Str("domain", domain).Msg("failed to upsert domain boilerplate fingerprint")
	}
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.ToLower(u.Hostname())
}

// filterLinks restricts discovered links to same-domain (unless
// backward links are allowed) and honors the crawl config's include/
// exclude path patterns.
func filterLinks(links []fetcher.Link, baseURL string, cfg *model.CrawlConfig) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	baseHost := strings.ToLower(base.Hostname())

	var out []string
	for _, l := range links {
		lu, err := url.Parse(l.URL)
		if err != nil {
			continue
		}
		if !cfg.AllowBackwardLinks && strings.ToLower(lu.Hostname()) != baseHost {
			continue
		}
		if len(cfg.ExcludePaths) > 0 && matchesAny(lu.Path, cfg.ExcludePaths) {
			continue
		}
		if len(cfg.IncludePaths) > 0 && !matchesAny(lu.Path, cfg.IncludePaths) {
			continue
		}
		out = append(out, l.URL)
		if cfg.Limit > 0 && len(out) >= cfg.Limit {
			break
		}
	}
	return out
}

func matchesAny(path string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}
