package store

import (
	"context"
	"time"
)

// ArtifactRecord is the metadata committed after one artifact download. One
// call records the issuer, the filing, and the blob in a single transaction.
type ArtifactRecord struct {
	CIK             string
	IssuerName      string
	Ticker          *string
	FormType        string
	FiledAt         time.Time
	AccessionNumber string
	SourceURLs      []string

	Kind        BlobKind
	Location    string
	Checksum    string
	ContentType string
}

// SectionInput is one section of a fresh parse.
type SectionInput struct {
	Ordinal     int
	Title       string
	Content     string
	ContentHash string
}

// AnalysisUpsert carries the writable fields of an Analysis, keyed by JobID.
type AnalysisUpsert struct {
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

// EntityInput is one normalized entity of an extraction result.
type EntityInput struct {
	Type       string
	Label      string
	Confidence *float64
	Excerpt    *string
	Attributes *string
}

// DiffJobSeed describes one section comparison scheduled for a Diff.
type DiffJobSeed struct {
	Ordinal           int
	Title             string
	ChangeKind        string // addition | removal | update, by section presence
	CurrentSectionID  *int64
	PreviousSectionID *int64
}

// DiffSchedule is the outcome of (re)initializing a Diff record.
type DiffSchedule struct {
	DiffID            int64
	CurrentFilingID   int64
	PreviousFilingID  int64
	CurrentAccession  string
	PreviousAccession string
	Jobs              []DiffJobSeed
}

// ChangeInput is one normalized change detected within a section diff.
type ChangeInput struct {
	ChangeType string
	Summary    string
	Impact     string
	Confidence *float64
	Evidence   string
}

// SectionDiffApply is the atomic result of one diff job: the section diffs
// to write, the optional analysis which produced them, and the lifecycle
// bump of the owning Diff row.
type SectionDiffApply struct {
	DiffID            int64
	Ordinal           int
	Title             string
	JobID             string
	CurrentSectionID  *int64
	PreviousSectionID *int64
	// Analysis is the LLM analysis to upsert by JobID, or nil when the LLM
	// was not called, in which case any prior analysis of JobID is deleted.
	Analysis *AnalysisUpsert
	Changes  []ChangeInput
}

// Store is the datastore contract of the pipeline. Every method that writes
// multiple rows does so in one transaction; methods touching a Diff row
// serialise on it so concurrent section jobs cannot race its counters.
type Store interface {
	// RecordArtifact upserts the issuer (by CIK), the filing (by accession
	// number), and the blob (by filing and kind), marking the filing
	// DOWNLOADED, in one transaction.
	RecordArtifact(ctx context.Context, rec ArtifactRecord) (*Filing, error)
	// MarkFilingFailed moves the filing to FAILED in its own transaction.
	MarkFilingFailed(ctx context.Context, accessionNumber string) error

	FilingByAccession(ctx context.Context, accessionNumber string) (*Filing, error)
	FilingByID(ctx context.Context, id int64) (*Filing, error)
	BlobsByFiling(ctx context.Context, filingID int64) ([]Blob, error)

	// ReplaceSections deletes the filing's sections, inserts the new set,
	// and marks the filing PARSED, in one transaction.
	ReplaceSections(ctx context.Context, filingID int64, sections []SectionInput) error
	SectionsByFiling(ctx context.Context, filingID int64) ([]Section, error)
	SectionByOrdinal(ctx context.Context, filingID int64, ordinal int) (*Section, error)
	SectionByID(ctx context.Context, id int64) (*Section, error)

	// PreviousFiling returns the issuer's most recent filing of |formType|
	// filed strictly before |before|, or ErrNotFound.
	PreviousFiling(ctx context.Context, issuerID int64, formType string, before time.Time) (*Filing, error)
	// ScheduleDiff upserts the Diff row keyed by the current filing, clears
	// prior section diffs, and enumerates one job per ordinal in the union
	// of both filings' section ordinals. A schedule with zero jobs leaves
	// the Diff SKIPPED.
	ScheduleDiff(ctx context.Context, currentFilingID, previousFilingID int64) (*DiffSchedule, error)
	DiffByID(ctx context.Context, id int64) (*Diff, error)
	DiffByCurrentFiling(ctx context.Context, filingID int64) (*Diff, error)
	SectionDiffsByDiff(ctx context.Context, diffID int64) ([]SectionDiff, error)

	AnalysisByJobID(ctx context.Context, jobID string) (*Analysis, error)
	// UpsertAnalysis inserts or updates the Analysis keyed by JobID.
	UpsertAnalysis(ctx context.Context, up AnalysisUpsert) (*Analysis, error)
	// UpsertEntityAnalysis upserts the Analysis and replaces all Entity rows
	// linked to it, in one transaction.
	UpsertEntityAnalysis(ctx context.Context, up AnalysisUpsert, entities []EntityInput) (*Analysis, error)
	EntitiesByAnalysis(ctx context.Context, analysisID int64) ([]Entity, error)

	// ApplySectionDiff persists one diff job's outcome and advances the
	// owning Diff under a row lock.
	ApplySectionDiff(ctx context.Context, apply SectionDiffApply) error
	// FinalizeDiffSection advances the Diff for a section whose contents
	// were byte-equal, without writing any section diffs.
	FinalizeDiffSection(ctx context.Context, diffID int64) error
	// FailDiff marks the Diff FAILED with a truncated error and forces
	// processed up to expected so the run terminates.
	FailDiff(ctx context.Context, diffID int64, message string) error

	Close()
}

// advanceDiffLocked applies the shared lifecycle bump of a locked Diff row:
// PENDING and SKIPPED move to PROCESSING, processed increments, and the Diff
// completes once processed reaches expected unless it already failed.
func advanceDiffLocked(d *Diff) {
	if d.Status == DiffPending || d.Status == DiffSkipped {
		d.Status = DiffProcessing
	}
	d.ProcessedSections++
	if d.ProcessedSections >= d.ExpectedSections && d.Status != DiffFailed {
		d.Status = DiffCompleted
	}
	d.UpdatedAt = time.Now().UTC()
}

// truncateError bounds an error message stored on a Diff row.
func truncateError(message string) string {
	const limit = 2000
	if len(message) > limit {
		return message[:limit]
	}
	return message
}
