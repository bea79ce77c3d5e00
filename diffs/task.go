// Package diffs compares a filing's sections against the issuer's previous
// filing of the same form and records the detected changes.
package diffs

import "fmt"

// DiffQueue names the queue of section comparison jobs.
const DiffQueue = "sec:groq:diff"

// DiffTask is one scheduled section comparison. Either section id may be
// absent: a missing previous side is an addition, a missing current side a
// removal.
type DiffTask struct {
	ID                string `json:"job_id"`
	DiffID            int64  `json:"diff_id"`
	CurrentFilingID   int64  `json:"current_filing_id"`
	PreviousFilingID  int64  `json:"previous_filing_id"`
	CurrentAccession  string `json:"current_accession"`
	PreviousAccession string `json:"previous_accession"`
	Ordinal           int    `json:"ordinal"`
	Title             string `json:"title"`
	ChangeKind        string `json:"change_kind"`
	CurrentSectionID  *int64 `json:"current_section_id,omitempty"`
	PreviousSectionID *int64 `json:"previous_section_id,omitempty"`
}

func (t DiffTask) JobID() string { return t.ID }

// DiffJobID is the job id of one section comparison.
func DiffJobID(accessionNumber string, ordinal int, changeKind string) string {
	return fmt.Sprintf("%s:diff:%d:%s", accessionNumber, ordinal, changeKind)
}
