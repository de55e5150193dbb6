package proxy

import (
	"bytes"
	"html"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/microcosm-cc/bluemonday"
)

// Challenge providers recognised by DetectChallenge.
const (
	ProviderCloudflare = "cloudflare"
	ProviderDDoSGuard  = "ddos-guard"
	ProviderGeneric    = "generic"
)

const summaryLimit = 280

// Challenge describes the page that blocked a request. It is informational:
// a 403 is blocked whatever the page looks like.
type Challenge struct {
	Status      int    `json:"status"`
	Provider    string `json:"provider"`
	Title       string `json:"title,omitempty"`
	Summary     string `json:"summary,omitempty"`
	Interactive bool   `json:"interactive"`
}

type marker struct {
	provider string
	xpath    string
}

var providerMarkers = []marker{
	{ProviderCloudflare, `//script[contains(@src, '/cdn-cgi/challenge-platform/')]`},
	{ProviderCloudflare, `//form[@id='challenge-form']`},
	{ProviderCloudflare, `//*[@id='cf-wrapper' or @id='challenge-running']`},
	{ProviderDDoSGuard, `//script[contains(@src, 'ddos-guard')]`},
	{ProviderDDoSGuard, `//*[contains(@class, 'ddg-')]`},
}

// Selectors for widgets that need a human.
const interactiveSelector = ".cf-turnstile, .g-recaptcha, .h-captcha, iframe[src*='captcha'], iframe[src*='turnstile']"

var summaryPolicy = bluemonday.StrictPolicy()

// DetectChallenge classifies a blocking response from its headers and body.
func DetectChallenge(status int, header http.Header, body []byte) Challenge {
	ch := Challenge{Status: status, Provider: providerFromHeader(header)}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err == nil {
		ch.Title = strings.TrimSpace(doc.Find("title").First().Text())
		ch.Interactive = doc.Find(interactiveSelector).Length() > 0
	}

	if ch.Provider == "" {
		ch.Provider = providerFromMarkup(body, ch.Title)
	}
	ch.Summary = summarize(body)
	return ch
}

func providerFromHeader(header http.Header) string {
	if header == nil {
		return ""
	}
	server := strings.ToLower(header.Get("Server"))
	switch {
	case header.Get("Cf-Mitigated") != "", header.Get("Cf-Ray") != "", strings.Contains(server, "cloudflare"):
		return ProviderCloudflare
	case strings.Contains(server, "ddos-guard"):
		return ProviderDDoSGuard
	}
	return ""
}

func providerFromMarkup(body []byte, title string) string {
	lower := strings.ToLower(title)
	switch {
	case strings.Contains(lower, "just a moment"), strings.Contains(lower, "attention required"):
		return ProviderCloudflare
	case strings.Contains(lower, "ddos-guard"):
		return ProviderDDoSGuard
	}

	root, err := htmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return ProviderGeneric
	}
	for _, m := range providerMarkers {
		nodes, err := htmlquery.QueryAll(root, m.xpath)
		if err == nil && len(nodes) > 0 {
			return m.provider
		}
	}
	return ProviderGeneric
}

// summarize returns the visible text of the page, collapsed and truncated.
// StrictPolicy drops script, style and title contents along with the tags.
func summarize(body []byte) string {
	stripped := summaryPolicy.SanitizeBytes(body)
	text := strings.Join(strings.Fields(html.UnescapeString(string(stripped))), " ")
	if utf8.RuneCountInString(text) <= summaryLimit {
		return text
	}
	runes := []rune(text)
	return string(runes[:summaryLimit]) + "…"
}
