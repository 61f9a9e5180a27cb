package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	articleCacheSize = 256
	articleCacheTTL  = 15 * time.Minute
	backlinkLimit    = 25
)

// article is one fetched wiki page: sanitized HTML plus the titles it
// links to.
type article struct {
	Title   string
	Content string
	Links   []string
}

// Fetcher talks to a MediaWiki API endpoint and caches what it fetches.
type Fetcher struct {
	apiBase string
	client  *http.Client

	articles *expirable.LRU[string, *article]
	inbound  *expirable.LRU[string, []string]
}

func newFetcher(cfg *Config) *Fetcher {
	return &Fetcher{
		apiBase: cfg.apiBase,
		client: &http.Client{
			Timeout: timeout,
		},
		articles: expirable.NewLRU[string, *article](articleCacheSize, nil, articleCacheTTL),
		inbound:  expirable.NewLRU[string, []string](articleCacheSize, nil, articleCacheTTL),
	}
}

var (
	editSectionRe = regexp.MustCompile(`(?s)<span class="mw-editsection">.*?</span>`)
	scriptStyleRe = regexp.MustCompile(`(?s)<(script|style)\b.*?</(script|style)>`)
)

type parseResponse struct {
	Parse struct {
		Title string `json:"title"`
		Text  string `json:"text"`
		Links []struct {
			NS     int    `json:"ns"`
			Title  string `json:"title"`
			Exists bool   `json:"exists"`
		} `json:"links"`
	} `json:"parse"`
	Error *struct {
		Info string `json:"info"`
	} `json:"error"`
}

type backlinksResponse struct {
	Query struct {
		Backlinks []struct {
			Title string `json:"title"`
		} `json:"backlinks"`
	} `json:"query"`
}

type mostViewedResponse struct {
	Query struct {
		MostViewed []struct {
			NS    int    `json:"ns"`
			Title string `json:"title"`
		} `json:"mostviewed"`
	} `json:"query"`
}

// get fetches a page's sanitized content and outbound article links.
func (f *Fetcher) get(title string) (*article, error) {
	if cached, ok := f.articles.Get(title); ok {
		return cached, nil
	}

	var decoded parseResponse
	err := f.call(url.Values{
		"action":    {"parse"},
		"page":      {title},
		"prop":      {"text|links"},
		"redirects": {"1"},
	}, &decoded)
	if err != nil {
		return nil, err
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("wiki: %s", decoded.Error.Info)
	}

	content := editSectionRe.ReplaceAllString(decoded.Parse.Text, "")
	content = scriptStyleRe.ReplaceAllString(content, "")

	links := make([]string, 0, len(decoded.Parse.Links))
	for _, link := range decoded.Parse.Links {
		if link.NS != 0 || !link.Exists {
			continue
		}
		links = append(links, link.Title)
	}

	a := &article{
		Title:   decoded.Parse.Title,
		Content: content,
		Links:   links,
	}
	f.articles.Add(title, a)

	return a, nil
}

// links returns the outbound article links of title.
func (f *Fetcher) links(title string) ([]string, error) {
	a, err := f.get(title)
	if err != nil {
		return nil, err
	}
	return a.Links, nil
}

// backlinks returns up to backlinkLimit article titles linking to title.
func (f *Fetcher) backlinks(title string) ([]string, error) {
	if cached, ok := f.inbound.Get(title); ok {
		return cached, nil
	}

	var decoded backlinksResponse
	err := f.call(url.Values{
		"action":      {"query"},
		"list":        {"backlinks"},
		"bltitle":     {title},
		"blnamespace": {"0"},
		"bllimit":     {fmt.Sprintf("%d", backlinkLimit)},
	}, &decoded)
	if err != nil {
		return nil, err
	}

	titles := make([]string, 0, len(decoded.Query.Backlinks))
	for _, bl := range decoded.Query.Backlinks {
		titles = append(titles, bl.Title)
	}
	f.inbound.Add(title, titles)

	return titles, nil
}

// mostViewed returns candidate catalog titles from the most-viewed feed.
func (f *Fetcher) mostViewed() ([]string, error) {
	var decoded mostViewedResponse
	err := f.call(url.Values{
		"action":    {"query"},
		"list":      {"mostviewed"},
		"pvimlimit": {"100"},
	}, &decoded)
	if err != nil {
		return nil, err
	}

	titles := make([]string, 0, len(decoded.Query.MostViewed))
	for _, page := range decoded.Query.MostViewed {
		if page.NS != 0 || page.Title == "Main Page" {
			continue
		}
		titles = append(titles, page.Title)
	}

	return titles, nil
}

func (f *Fetcher) call(params url.Values, out any) error {
	params.Set("format", "json")
	params.Set("formatversion", "2")

	resp, err := f.client.Get(f.apiBase + "?" + params.Encode())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wiki: unexpected status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
