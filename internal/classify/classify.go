// Package classify implements a rule-based page classifier: skip
// patterns, URL patterns, and title keywords all come from the owning
// project's model.ClassificationConfig rather than a hardcoded
// vocabulary, so the same classifier serves any industry's pages.
package classify

import (
	"regexp"
	"strings"

	"kxpipe/internal/model"
)

// Method labels how a classification decision was reached.
type Method string

const (
	MethodSkip  Method = "skip_pattern"
	MethodURL   Method = "url_pattern"
	MethodTitle Method = "title_keyword"
	MethodNone  Method = "none"
)

// Result is the classifier's verdict for one page.
type Result struct {
	Skip       bool
	Groups     []string
	Method     Method
	Confidence float64
}

// confidence levels are fixed scores per match method.
const (
	confSkip  = 0.9
	confURL   = 0.8
	confTitle = 0.7
	confNone  = 0.3
)

// Classify decides which field groups are relevant to a page, given its
// URL and title, using cfg's project-specific pattern tables.
func Classify(pageURL, title string, cfg *model.ClassificationConfig) Result {
	if cfg == nil {
		return Result{Method: MethodNone, Confidence: confNone}
	}

	for _, pat := range cfg.SkipPatterns {
		if matches(pat, pageURL) {
			return Result{Skip: true, Method: MethodSkip, Confidence: confSkip}
		}
	}

	for _, rule := range cfg.URLPatterns {
		if matches(rule.Pattern, pageURL) {
			return Result{Groups: rule.Groups, Method: MethodURL, Confidence: confURL}
		}
	}

	lowerTitle := strings.ToLower(title)
	for _, rule := range cfg.TitleKeywords {
		if matches(rule.Pattern, lowerTitle) {
			return Result{Groups: rule.Groups, Method: MethodTitle, Confidence: confTitle}
		}
	}

	return Result{Method: MethodNone, Confidence: confNone}
}

func matches(pattern, subject string) bool {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return strings.Contains(strings.ToLower(subject), strings.ToLower(pattern))
	}
	return re.MatchString(subject)
}
