// Package store owns the persisted entities of the filing pipeline. Rows
// reference each other by id only; "relations" are explicit queries rather
// than pointer graphs.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// FilingStatus is the monotone lifecycle of a Filing. FAILED is a terminal
// sink that only operator action re-enters.
type FilingStatus string

const (
	FilingPending    FilingStatus = "pending"
	FilingDownloaded FilingStatus = "downloaded"
	FilingParsed     FilingStatus = "parsed"
	FilingAnalyzed   FilingStatus = "analyzed"
	FilingFailed     FilingStatus = "failed"
)

// BlobKind distinguishes the artifacts stored per filing. At most one blob
// of each kind exists per filing.
type BlobKind string

const (
	BlobRaw      BlobKind = "raw"
	BlobIndex    BlobKind = "index"
	BlobText     BlobKind = "text"
	BlobSections BlobKind = "sections"
)

// DiffStatus is the lifecycle of a Diff record.
type DiffStatus string

const (
	DiffPending    DiffStatus = "pending"
	DiffProcessing DiffStatus = "processing"
	DiffCompleted  DiffStatus = "completed"
	DiffFailed     DiffStatus = "failed"
	DiffSkipped    DiffStatus = "skipped"
)

// AnalysisType tags the kind of LLM job which produced an Analysis.
type AnalysisType string

const (
	AnalysisSectionChunkSummary AnalysisType = "section_chunk_summary"
	AnalysisEntityExtraction    AnalysisType = "entity_extraction"
	AnalysisSectionDiff         AnalysisType = "section_diff"
)

// Issuer is a regulated filer, unique by CIK. Created lazily by the
// downloader the first time one of its filings arrives.
type Issuer struct {
	ID     int64
	CIK    string
	Name   string
	Ticker *string
}

// Filing is one submission, unique by accession number.
type Filing struct {
	ID              int64
	IssuerID        int64
	IssuerName      string
	CIK             string
	Ticker          *string
	FormType        string
	FiledAt         time.Time
	AccessionNumber string
	SourceURLs      []string
	Status          FilingStatus
	DownloadedAt    *time.Time
}

// Blob is a stored artifact of a filing, keyed by (filing, kind).
type Blob struct {
	ID          int64
	FilingID    int64
	Kind        BlobKind
	Location    string
	Checksum    string
	ContentType string
}

// Section is an ordered, titled text slice of a filing. Ordinals are a
// dense 1-based sequence per filing.
type Section struct {
	ID          int64
	FilingID    int64
	Ordinal     int
	Title       string
	Content     string
	ContentHash string
}

// Analysis is the persisted result of one LLM job, unique by job id.
type Analysis struct {
	ID               int64
	JobID            string
	FilingID         int64
	SectionID        *int64
	ChunkIndex       *int
	Type             AnalysisType
	Model            string
	Content          string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Extra            string
}

// Entity is a structured attribute extracted from a section.
type Entity struct {
	ID         int64
	FilingID   int64
	SectionID  *int64
	AnalysisID *int64
	Type       string
	Label      string
	Confidence *float64
	Excerpt    *string
	Attributes *string
}

// Diff tracks the comparison of a filing against the prior filing of the
// same form by the same issuer. Unique by current filing id.
type Diff struct {
	ID                int64
	CurrentFilingID   int64
	PreviousFilingID  int64
	Status            DiffStatus
	ExpectedSections  int
	ProcessedSections int
	Summary           *string
	LastError         *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SectionDiff is one detected change within a Diff. Either section side may
// be absent (pure additions and removals).
type SectionDiff struct {
	ID                int64
	DiffID            int64
	CurrentSectionID  *int64
	PreviousSectionID *int64
	AnalysisID        *int64
	Ordinal           int
	Title             string
	ChangeType        string
	Summary           string
	Impact            string
	Confidence        *float64
	Evidence          *string
}
