package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store with the same transactional semantics as
// Postgres, used by single-process runs and tests. One mutex stands in for
// row-level locking: every method body is one critical section, so partial
// writes are never observable.
type Memory struct {
	mu sync.Mutex

	nextID       int64
	issuers      map[int64]*Issuer
	filings      map[int64]*Filing
	blobs        map[int64]*Blob
	sections     map[int64]*Section
	analyses     map[int64]*Analysis
	entities     map[int64]*Entity
	diffs        map[int64]*Diff
	sectionDiffs map[int64]*SectionDiff
}

// NewMemory builds an empty in-process Store.
func NewMemory() *Memory {
	return &Memory{
		issuers:      make(map[int64]*Issuer),
		filings:      make(map[int64]*Filing),
		blobs:        make(map[int64]*Blob),
		sections:     make(map[int64]*Section),
		analyses:     make(map[int64]*Analysis),
		entities:     make(map[int64]*Entity),
		diffs:        make(map[int64]*Diff),
		sectionDiffs: make(map[int64]*SectionDiff),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// RecordArtifact upserts issuer, filing, and blob, and marks the filing
// DOWNLOADED.
func (m *Memory) RecordArtifact(_ context.Context, rec ArtifactRecord) (*Filing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var issuer *Issuer
	for _, i := range m.issuers {
		if i.CIK == rec.CIK {
			issuer = i
			break
		}
	}
	if issuer == nil {
		issuer = &Issuer{ID: m.id(), CIK: rec.CIK, Name: issuerName(rec), Ticker: rec.Ticker}
		m.issuers[issuer.ID] = issuer
	} else {
		if rec.Ticker != nil {
			issuer.Ticker = rec.Ticker
		}
		if rec.IssuerName != "" && strings.HasPrefix(issuer.Name, "Issuer ") {
			issuer.Name = rec.IssuerName
		}
	}

	var filing *Filing
	for _, f := range m.filings {
		if f.AccessionNumber == rec.AccessionNumber {
			filing = f
			break
		}
	}
	if filing == nil {
		filing = &Filing{
			ID:              m.id(),
			AccessionNumber: rec.AccessionNumber,
			Status:          FilingPending,
		}
		m.filings[filing.ID] = filing
	}
	filing.IssuerID = issuer.ID
	filing.IssuerName = issuer.Name
	filing.CIK = rec.CIK
	if rec.Ticker != nil {
		filing.Ticker = rec.Ticker
	}
	filing.FormType = rec.FormType
	filing.FiledAt = rec.FiledAt
	filing.SourceURLs = append([]string(nil), rec.SourceURLs...)

	var blob *Blob
	for _, b := range m.blobs {
		if b.FilingID == filing.ID && b.Kind == rec.Kind {
			blob = b
			break
		}
	}
	if blob == nil {
		blob = &Blob{ID: m.id(), FilingID: filing.ID, Kind: rec.Kind}
		m.blobs[blob.ID] = blob
	}
	blob.Location = rec.Location
	blob.Checksum = rec.Checksum
	blob.ContentType = rec.ContentType

	filing.Status = FilingDownloaded
	var now = time.Now().UTC()
	filing.DownloadedAt = &now

	var out = *filing
	return &out, nil
}

// MarkFilingFailed moves the filing to FAILED.
func (m *Memory) MarkFilingFailed(_ context.Context, accessionNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.filings {
		if f.AccessionNumber == accessionNumber {
			f.Status = FilingFailed
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) FilingByAccession(_ context.Context, accessionNumber string) (*Filing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.filings {
		if f.AccessionNumber == accessionNumber {
			var out = *f
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FilingByID(_ context.Context, id int64) (*Filing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.filings[id]; ok {
		var out = *f
		return &out, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) BlobsByFiling(_ context.Context, filingID int64) ([]Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Blob
	for _, b := range m.blobs {
		if b.FilingID == filingID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ReplaceSections swaps the filing's sections wholesale and marks it PARSED.
func (m *Memory) ReplaceSections(_ context.Context, filingID int64, sections []SectionInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var filing, ok = m.filings[filingID]
	if !ok {
		return ErrNotFound
	}
	for id, s := range m.sections {
		if s.FilingID == filingID {
			delete(m.sections, id)
		}
	}
	for _, in := range sections {
		var s = &Section{
			ID:          m.id(),
			FilingID:    filingID,
			Ordinal:     in.Ordinal,
			Title:       in.Title,
			Content:     in.Content,
			ContentHash: in.ContentHash,
		}
		m.sections[s.ID] = s
	}
	filing.Status = FilingParsed
	return nil
}

func (m *Memory) SectionsByFiling(_ context.Context, filingID int64) ([]Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sectionsOfLocked(filingID), nil
}

func (m *Memory) sectionsOfLocked(filingID int64) []Section {
	var out []Section
	for _, s := range m.sections {
		if s.FilingID == filingID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

func (m *Memory) SectionByOrdinal(_ context.Context, filingID int64, ordinal int) (*Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sections {
		if s.FilingID == filingID && s.Ordinal == ordinal {
			var out = *s
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SectionByID(_ context.Context, id int64) (*Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sections[id]; ok {
		var out = *s
		return &out, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) PreviousFiling(_ context.Context, issuerID int64, formType string, before time.Time) (*Filing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Filing
	for _, f := range m.filings {
		if f.IssuerID != issuerID || f.FormType != formType || !f.FiledAt.Before(before) {
			continue
		}
		if best == nil || f.FiledAt.After(best.FiledAt) {
			best = f
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	var out = *best
	return &out, nil
}

// ScheduleDiff initializes or resets the Diff keyed by the current filing
// and enumerates its section comparison jobs.
func (m *Memory) ScheduleDiff(_ context.Context, currentFilingID, previousFilingID int64) (*DiffSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current, ok = m.filings[currentFilingID]
	if !ok {
		return nil, ErrNotFound
	}
	previous, ok := m.filings[previousFilingID]
	if !ok {
		return nil, ErrNotFound
	}

	var diff *Diff
	for _, d := range m.diffs {
		if d.CurrentFilingID == currentFilingID {
			diff = d
			break
		}
	}
	var now = time.Now().UTC()
	if diff == nil {
		diff = &Diff{ID: m.id(), CurrentFilingID: currentFilingID, CreatedAt: now}
		m.diffs[diff.ID] = diff
	}
	diff.PreviousFilingID = previousFilingID
	diff.Status = DiffPending
	diff.ExpectedSections = 0
	diff.ProcessedSections = 0
	diff.LastError = nil
	diff.UpdatedAt = now
	for id, sd := range m.sectionDiffs {
		if sd.DiffID == diff.ID {
			delete(m.sectionDiffs, id)
		}
	}

	var currentByOrdinal = make(map[int]Section)
	for _, s := range m.sectionsOfLocked(currentFilingID) {
		currentByOrdinal[s.Ordinal] = s
	}
	var previousByOrdinal = make(map[int]Section)
	for _, s := range m.sectionsOfLocked(previousFilingID) {
		previousByOrdinal[s.Ordinal] = s
	}
	var ordinals []int
	for o := range currentByOrdinal {
		ordinals = append(ordinals, o)
	}
	for o := range previousByOrdinal {
		if _, ok := currentByOrdinal[o]; !ok {
			ordinals = append(ordinals, o)
		}
	}
	sort.Ints(ordinals)

	var jobs []DiffJobSeed
	for _, ordinal := range ordinals {
		var seed = DiffJobSeed{Ordinal: ordinal}
		if s, ok := currentByOrdinal[ordinal]; ok {
			var id = s.ID
			seed.CurrentSectionID = &id
			seed.Title = s.Title
		}
		if s, ok := previousByOrdinal[ordinal]; ok {
			var id = s.ID
			seed.PreviousSectionID = &id
			if seed.Title == "" {
				seed.Title = s.Title
			}
		}
		switch {
		case seed.CurrentSectionID != nil && seed.PreviousSectionID != nil:
			seed.ChangeKind = "update"
		case seed.CurrentSectionID != nil:
			seed.ChangeKind = "addition"
		default:
			seed.ChangeKind = "removal"
		}
		jobs = append(jobs, seed)
	}

	diff.ExpectedSections = len(jobs)
	if len(jobs) == 0 {
		diff.Status = DiffSkipped
	}
	return &DiffSchedule{
		DiffID:            diff.ID,
		CurrentFilingID:   currentFilingID,
		PreviousFilingID:  previousFilingID,
		CurrentAccession:  current.AccessionNumber,
		PreviousAccession: previous.AccessionNumber,
		Jobs:              jobs,
	}, nil
}

func (m *Memory) DiffByID(_ context.Context, id int64) (*Diff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.diffs[id]; ok {
		var out = *d
		return &out, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) DiffByCurrentFiling(_ context.Context, filingID int64) (*Diff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.diffs {
		if d.CurrentFilingID == filingID {
			var out = *d
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SectionDiffsByDiff(_ context.Context, diffID int64) ([]SectionDiff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SectionDiff
	for _, sd := range m.sectionDiffs {
		if sd.DiffID == diffID {
			out = append(out, *sd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (m *Memory) AnalysisByJobID(_ context.Context, jobID string) (*Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.analysisByJobIDLocked(jobID); a != nil {
		var out = *a
		return &out, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) analysisByJobIDLocked(jobID string) *Analysis {
	for _, a := range m.analyses {
		if a.JobID == jobID {
			return a
		}
	}
	return nil
}

func (m *Memory) upsertAnalysisLocked(up AnalysisUpsert) *Analysis {
	var a = m.analysisByJobIDLocked(up.JobID)
	if a == nil {
		a = &Analysis{ID: m.id(), JobID: up.JobID}
		m.analyses[a.ID] = a
	}
	a.FilingID = up.FilingID
	a.SectionID = up.SectionID
	a.ChunkIndex = up.ChunkIndex
	a.Type = up.Type
	a.Model = up.Model
	a.Content = up.Content
	a.PromptTokens = up.PromptTokens
	a.CompletionTokens = up.CompletionTokens
	a.TotalTokens = up.TotalTokens
	a.Extra = up.Extra
	return a
}

func (m *Memory) UpsertAnalysis(_ context.Context, up AnalysisUpsert) (*Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out = *m.upsertAnalysisLocked(up)
	return &out, nil
}

// UpsertEntityAnalysis upserts the Analysis and replaces its child entities.
func (m *Memory) UpsertEntityAnalysis(_ context.Context, up AnalysisUpsert, entities []EntityInput) (*Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var a = m.upsertAnalysisLocked(up)
	for id, e := range m.entities {
		if e.AnalysisID != nil && *e.AnalysisID == a.ID {
			delete(m.entities, id)
		}
	}
	for _, in := range entities {
		var analysisID = a.ID
		var e = &Entity{
			ID:         m.id(),
			FilingID:   up.FilingID,
			SectionID:  up.SectionID,
			AnalysisID: &analysisID,
			Type:       in.Type,
			Label:      in.Label,
			Confidence: in.Confidence,
			Excerpt:    in.Excerpt,
			Attributes: in.Attributes,
		}
		m.entities[e.ID] = e
	}
	var out = *a
	return &out, nil
}

func (m *Memory) EntitiesByAnalysis(_ context.Context, analysisID int64) ([]Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entity
	for _, e := range m.entities {
		if e.AnalysisID != nil && *e.AnalysisID == analysisID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ApplySectionDiff persists one diff job's outcome and advances the Diff.
func (m *Memory) ApplySectionDiff(_ context.Context, apply SectionDiffApply) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var diff, ok = m.diffs[apply.DiffID]
	if !ok {
		return ErrNotFound
	}
	for id, sd := range m.sectionDiffs {
		if sd.DiffID == apply.DiffID && sd.Ordinal == apply.Ordinal {
			delete(m.sectionDiffs, id)
		}
	}

	var analysisID *int64
	if apply.Analysis != nil {
		var a = m.upsertAnalysisLocked(*apply.Analysis)
		analysisID = &a.ID
	} else if a := m.analysisByJobIDLocked(apply.JobID); a != nil {
		delete(m.analyses, a.ID)
	}

	for _, change := range apply.Changes {
		var evidence *string
		if change.Evidence != "" {
			var e = change.Evidence
			evidence = &e
		}
		var sd = &SectionDiff{
			ID:                m.id(),
			DiffID:            apply.DiffID,
			CurrentSectionID:  apply.CurrentSectionID,
			PreviousSectionID: apply.PreviousSectionID,
			AnalysisID:        analysisID,
			Ordinal:           apply.Ordinal,
			Title:             apply.Title,
			ChangeType:        change.ChangeType,
			Summary:           change.Summary,
			Impact:            change.Impact,
			Confidence:        change.Confidence,
			Evidence:          evidence,
		}
		m.sectionDiffs[sd.ID] = sd
	}

	diff.LastError = nil
	advanceDiffLocked(diff)
	return nil
}

// FinalizeDiffSection advances the Diff for a byte-equal section.
func (m *Memory) FinalizeDiffSection(_ context.Context, diffID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var diff, ok = m.diffs[diffID]
	if !ok {
		return ErrNotFound
	}
	advanceDiffLocked(diff)
	return nil
}

// FailDiff terminates the Diff run with an error.
func (m *Memory) FailDiff(_ context.Context, diffID int64, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var diff, ok = m.diffs[diffID]
	if !ok {
		return ErrNotFound
	}
	diff.Status = DiffFailed
	var truncated = truncateError(message)
	diff.LastError = &truncated
	diff.ProcessedSections = diff.ExpectedSections
	diff.UpdatedAt = time.Now().UTC()
	return nil
}

// Close is a no-op for the in-process store.
func (m *Memory) Close() {}

func issuerName(rec ArtifactRecord) string {
	if rec.IssuerName != "" {
		return rec.IssuerName
	}
	return "Issuer " + rec.CIK
}
