// Package ingest polls EDGAR feeds and enqueues download work for filings
// which have not been seen before.
package ingest

import (
	"regexp"
	"strings"
	"time"

	"github.com/filingwatch/filingwatch/feed"
)

// Queue and set keys of the ingestion stage.
const (
	DownloadQueue = "sec:ingestion:download"
	ParseQueue    = "sec:ingestion:parse"
	SeenSetKey    = "sec:ingestion:seen-accessions"
)

// DownloadTask instructs the downloader to fetch one filing. It carries the
// full feed metadata so the downloader never re-fetches the feed.
type DownloadTask struct {
	ID              string    `json:"job_id"`
	AccessionNumber string    `json:"accession_number"`
	CIK             string    `json:"cik"`
	Company         string    `json:"company,omitempty"`
	// Ticker is set when the enqueuing source knows the issuer's symbol;
	// EDGAR feeds do not carry one.
	Ticker     *string   `json:"ticker,omitempty"`
	FormType   string    `json:"form_type"`
	FilingHref string    `json:"filing_href"`
	FiledAt    time.Time `json:"filed_at"`
	Summary    string    `json:"summary,omitempty"`
}

// JobID returns the accession number, which uniquely identifies the filing.
func (t DownloadTask) JobID() string { return t.ID }

// ParseTask instructs the parser to sectionize one downloaded filing.
type ParseTask struct {
	ID              string `json:"job_id"`
	AccessionNumber string `json:"accession_number"`
}

func (t ParseTask) JobID() string { return t.ID }

var titleCIKSuffix = regexp.MustCompile(`\s*\(\d{5,10}\).*$`)

// NewDownloadTask builds the DownloadTask of a feed entry.
func NewDownloadTask(entry feed.Entry) DownloadTask {
	return DownloadTask{
		ID:              entry.AccessionNumber,
		AccessionNumber: entry.AccessionNumber,
		CIK:             entry.CIK,
		Company:         companyFromTitle(entry.Title, entry.FormType),
		FormType:        entry.FormType,
		FilingHref:      entry.FilingHref,
		FiledAt:         entry.FiledAt,
		Summary:         entry.Summary,
	}
}

// companyFromTitle strips the form prefix and trailing CIK annotations from a
// feed entry title like "10-K - Acme Corp (0001234567) (Filer)".
func companyFromTitle(title, form string) string {
	var s = title
	if i := strings.Index(s, " - "); i >= 0 && strings.EqualFold(strings.TrimSpace(s[:i]), form) {
		s = s[i+3:]
	}
	return strings.TrimSpace(titleCIKSuffix.ReplaceAllString(s, ""))
}
