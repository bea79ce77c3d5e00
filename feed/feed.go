// Package feed fetches and normalizes EDGAR Atom feeds. The archive exposes
// two entry shapes: global entries, whose metadata hides inside the id, the
// category term, and the link href; and company-scoped entries, which embed
// explicit child elements under <content>.
package feed

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Entry is a normalized filing entry from either feed shape.
type Entry struct {
	AccessionNumber string
	CIK             string
	FormType        string
	FilingHref      string
	FiledAt         time.Time
	Title           string
	Summary         string
}

var (
	accessionPattern = regexp.MustCompile(`accession-number=([0-9A-Za-z\-]+)`)
	cikHrefPattern   = regexp.MustCompile(`/data/(\d{1,10})/`)
	cikTitlePattern  = regexp.MustCompile(`\((\d{5,10})\)`)
)

// Client fetches EDGAR feeds over a long-lived HTTP client. The archive
// requires a descriptive User-Agent on every request.
type Client struct {
	http      *http.Client
	userAgent string
}

// NewClient builds a feed Client identifying itself as |userAgent|.
func NewClient(userAgent string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// FetchGlobal fetches |url| and parses it as the global archive feed.
func (c *Client) FetchGlobal(ctx context.Context, url string) ([]Entry, error) {
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	return ParseGlobal(body)
}

// FetchCompany fetches |url| and parses it as a company-scoped feed.
func (c *Client) FetchCompany(ctx context.Context, url string) ([]Entry, error) {
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	return ParseCompany(body)
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building feed request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching feed %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching feed %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading feed %s: %w", url, err)
	}
	return body, nil
}

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID       string       `xml:"id"`
	Title    string       `xml:"title"`
	Summary  string       `xml:"summary"`
	Updated  string       `xml:"updated"`
	Category atomCategory `xml:"category"`
	Link     atomLink     `xml:"link"`
	Content  *atomContent `xml:"content"`
}

type atomCategory struct {
	Term string `xml:"term,attr"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
}

type atomContent struct {
	AccessionNumber string `xml:"accession-number"`
	CIK             string `xml:"cik"`
	FilingType      string `xml:"filing-type"`
	FilingHref      string `xml:"filing-href"`
	FilingDate      string `xml:"filing-date"`
}

// ParseGlobal parses the global archive feed. Entries missing an accession
// number, link, or derivable CIK are skipped.
func ParseGlobal(payload []byte) ([]Entry, error) {
	var feed atomFeed
	if err := xml.Unmarshal(payload, &feed); err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	var entries []Entry
	for _, raw := range feed.Entries {
		var accession = matchGroup(accessionPattern, raw.ID)
		if accession == "" {
			continue
		}
		var href = raw.Link.Href
		if href == "" {
			continue
		}
		var cik = matchGroup(cikHrefPattern, href)
		if cik == "" {
			cik = matchGroup(cikTitlePattern, raw.Title)
		}
		if cik == "" {
			continue
		}
		var form = strings.TrimSpace(raw.Category.Term)
		if form == "" {
			form = "UNKNOWN"
		}
		entries = append(entries, Entry{
			AccessionNumber: accession,
			CIK:             cik,
			FormType:        form,
			FilingHref:      href,
			FiledAt:         parseTime(raw.Updated),
			Title:           strings.TrimSpace(raw.Title),
			Summary:         strings.TrimSpace(raw.Summary),
		})
	}
	return entries, nil
}

// ParseCompany parses a company-scoped feed, falling back to the global
// entry shape for any field the <content> element omits.
func ParseCompany(payload []byte) ([]Entry, error) {
	var feed atomFeed
	if err := xml.Unmarshal(payload, &feed); err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	var entries []Entry
	for _, raw := range feed.Entries {
		if raw.Content == nil {
			continue
		}
		var accession = strings.TrimSpace(raw.Content.AccessionNumber)
		if accession == "" {
			continue
		}
		var cik = strings.TrimSpace(raw.Content.CIK)
		if cik == "" {
			cik = matchGroup(cikHrefPattern, raw.Link.Href)
		}
		var form = strings.TrimSpace(raw.Content.FilingType)
		if form == "" {
			form = strings.TrimSpace(raw.Category.Term)
		}
		if form == "" {
			form = "UNKNOWN"
		}
		var href = strings.TrimSpace(raw.Content.FilingHref)
		if href == "" {
			href = raw.Link.Href
		}
		if href == "" {
			continue
		}
		var filedAt = parseDate(raw.Content.FilingDate)
		if filedAt.IsZero() {
			filedAt = parseTime(raw.Updated)
		}
		entries = append(entries, Entry{
			AccessionNumber: accession,
			CIK:             cik,
			FormType:        form,
			FilingHref:      href,
			FiledAt:         filedAt,
			Title:           strings.TrimSpace(raw.Title),
			Summary:         strings.TrimSpace(raw.Summary),
		})
	}
	return entries, nil
}

func matchGroup(re *regexp.Regexp, s string) string {
	if s == "" {
		return ""
	}
	if m := re.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Now().UTC()
}

func parseDate(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t
	}
	return time.Time{}
}
