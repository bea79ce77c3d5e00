package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the production Store, backed by a pgx connection pool. Methods
// which write multiple rows wrap them in one transaction, and methods which
// mutate a Diff take a row lock on it first so concurrent section jobs
// serialise their counter updates.
type Postgres struct {
	pool *pgxpool.Pool
	// issuerIDs caches CIK to issuer id. Issuers are never deleted, so a
	// cached id stays valid for the life of the process.
	issuerIDs *lru.Cache[string, int64]
}

// NewPostgres connects a pool to |dsn| and verifies it with a ping.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	issuerIDs, err := lru.New[string, int64](4096)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating issuer cache: %w", err)
	}
	return &Postgres{pool: pool, issuerIDs: issuerIDs}, nil
}

// Close releases the pool.
func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (p *Postgres) ensureIssuer(ctx context.Context, tx pgx.Tx, rec ArtifactRecord) (int64, error) {
	if id, ok := p.issuerIDs.Get(rec.CIK); ok {
		// Ticker arrives lazily from company feed entries. Refresh it even
		// on the cached path.
		if rec.Ticker != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE issuers SET ticker = $2 WHERE id = $1`, id, rec.Ticker); err != nil {
				return 0, fmt.Errorf("refreshing issuer ticker: %w", err)
			}
		}
		return id, nil
	}

	var id int64
	var err = tx.QueryRow(ctx, `
		INSERT INTO issuers (cik, name, ticker)
		VALUES ($1, $2, $3)
		ON CONFLICT (cik) DO UPDATE SET
			ticker = COALESCE(EXCLUDED.ticker, issuers.ticker)
		RETURNING id`,
		rec.CIK, issuerName(rec), rec.Ticker).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting issuer %s: %w", rec.CIK, err)
	}
	p.issuerIDs.Add(rec.CIK, id)
	return id, nil
}

func (p *Postgres) RecordArtifact(ctx context.Context, rec ArtifactRecord) (*Filing, error) {
	var filing Filing
	var err = p.inTx(ctx, func(tx pgx.Tx) error {
		issuerID, err := p.ensureIssuer(ctx, tx, rec)
		if err != nil {
			return err
		}
		var now = time.Now().UTC()
		err = tx.QueryRow(ctx, `
			INSERT INTO filings
				(issuer_id, cik, ticker, form_type, filed_at, accession_number,
				 source_urls, status, downloaded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (accession_number) DO UPDATE SET
				issuer_id = EXCLUDED.issuer_id,
				cik = EXCLUDED.cik,
				ticker = COALESCE(EXCLUDED.ticker, filings.ticker),
				form_type = EXCLUDED.form_type,
				filed_at = EXCLUDED.filed_at,
				source_urls = EXCLUDED.source_urls,
				status = EXCLUDED.status,
				downloaded_at = EXCLUDED.downloaded_at
			RETURNING `+filingColumns,
			issuerID, rec.CIK, rec.Ticker, rec.FormType, rec.FiledAt,
			rec.AccessionNumber, rec.SourceURLs, FilingDownloaded, now,
		).Scan(&filing.ID, &filing.IssuerID, &filing.CIK, &filing.Ticker,
			&filing.FormType, &filing.FiledAt, &filing.AccessionNumber,
			&filing.SourceURLs, &filing.Status, &filing.DownloadedAt,
			&filing.IssuerName)
		if err != nil {
			return fmt.Errorf("upserting filing %s: %w", rec.AccessionNumber, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO filing_blobs (filing_id, kind, location, checksum, content_type)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (filing_id, kind) DO UPDATE SET
				location = EXCLUDED.location,
				checksum = EXCLUDED.checksum,
				content_type = EXCLUDED.content_type`,
			filing.ID, rec.Kind, rec.Location, rec.Checksum, rec.ContentType)
		if err != nil {
			return fmt.Errorf("upserting %s blob: %w", rec.Kind, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &filing, nil
}

func (p *Postgres) MarkFilingFailed(ctx context.Context, accessionNumber string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE filings SET status = $2 WHERE accession_number = $1`,
		accessionNumber, FilingFailed)
	if err != nil {
		return fmt.Errorf("failing filing %s: %w", accessionNumber, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const filingColumns = `id, issuer_id, cik, ticker, form_type, filed_at,
	accession_number, source_urls, status, downloaded_at,
	(SELECT name FROM issuers WHERE issuers.id = filings.issuer_id) AS issuer_name`

func scanFiling(row pgx.Row) (*Filing, error) {
	var f Filing
	var err = row.Scan(&f.ID, &f.IssuerID, &f.CIK, &f.Ticker, &f.FormType,
		&f.FiledAt, &f.AccessionNumber, &f.SourceURLs, &f.Status, &f.DownloadedAt,
		&f.IssuerName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("scanning filing: %w", err)
	}
	return &f, nil
}

func (p *Postgres) FilingByAccession(ctx context.Context, accessionNumber string) (*Filing, error) {
	return scanFiling(p.pool.QueryRow(ctx,
		`SELECT `+filingColumns+` FROM filings WHERE accession_number = $1`,
		accessionNumber))
}

func (p *Postgres) FilingByID(ctx context.Context, id int64) (*Filing, error) {
	return scanFiling(p.pool.QueryRow(ctx,
		`SELECT `+filingColumns+` FROM filings WHERE id = $1`, id))
}

func (p *Postgres) BlobsByFiling(ctx context.Context, filingID int64) ([]Blob, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, filing_id, kind, location, checksum, content_type
		FROM filing_blobs WHERE filing_id = $1 ORDER BY id`, filingID)
	if err != nil {
		return nil, fmt.Errorf("querying blobs: %w", err)
	}
	defer rows.Close()

	var out []Blob
	for rows.Next() {
		var b Blob
		if err = rows.Scan(&b.ID, &b.FilingID, &b.Kind, &b.Location,
			&b.Checksum, &b.ContentType); err != nil {
			return nil, fmt.Errorf("scanning blob: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) ReplaceSections(ctx context.Context, filingID int64, sections []SectionInput) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM filing_sections WHERE filing_id = $1`, filingID); err != nil {
			return fmt.Errorf("clearing sections: %w", err)
		}
		for _, s := range sections {
			if _, err := tx.Exec(ctx, `
				INSERT INTO filing_sections (filing_id, ordinal, title, content, content_hash)
				VALUES ($1, $2, $3, $4, $5)`,
				filingID, s.Ordinal, s.Title, s.Content, s.ContentHash); err != nil {
				return fmt.Errorf("inserting section %d: %w", s.Ordinal, err)
			}
		}
		tag, err := tx.Exec(ctx,
			`UPDATE filings SET status = $2 WHERE id = $1`, filingID, FilingParsed)
		if err != nil {
			return fmt.Errorf("marking filing parsed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

const sectionColumns = `id, filing_id, ordinal, title, content, content_hash`

func scanSection(row pgx.Row) (*Section, error) {
	var s Section
	var err = row.Scan(&s.ID, &s.FilingID, &s.Ordinal, &s.Title, &s.Content, &s.ContentHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("scanning section: %w", err)
	}
	return &s, nil
}

func (p *Postgres) SectionsByFiling(ctx context.Context, filingID int64) ([]Section, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+sectionColumns+` FROM filing_sections WHERE filing_id = $1 ORDER BY ordinal`,
		filingID)
	if err != nil {
		return nil, fmt.Errorf("querying sections: %w", err)
	}
	defer rows.Close()

	var out []Section
	for rows.Next() {
		var s Section
		if err = rows.Scan(&s.ID, &s.FilingID, &s.Ordinal, &s.Title,
			&s.Content, &s.ContentHash); err != nil {
			return nil, fmt.Errorf("scanning section: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) SectionByOrdinal(ctx context.Context, filingID int64, ordinal int) (*Section, error) {
	return scanSection(p.pool.QueryRow(ctx,
		`SELECT `+sectionColumns+` FROM filing_sections WHERE filing_id = $1 AND ordinal = $2`,
		filingID, ordinal))
}

func (p *Postgres) SectionByID(ctx context.Context, id int64) (*Section, error) {
	return scanSection(p.pool.QueryRow(ctx,
		`SELECT `+sectionColumns+` FROM filing_sections WHERE id = $1`, id))
}

func (p *Postgres) PreviousFiling(ctx context.Context, issuerID int64, formType string, before time.Time) (*Filing, error) {
	return scanFiling(p.pool.QueryRow(ctx, `
		SELECT `+filingColumns+` FROM filings
		WHERE issuer_id = $1 AND form_type = $2 AND filed_at < $3
		ORDER BY filed_at DESC LIMIT 1`,
		issuerID, formType, before))
}

func (p *Postgres) ScheduleDiff(ctx context.Context, currentFilingID, previousFilingID int64) (*DiffSchedule, error) {
	var schedule DiffSchedule
	var err = p.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanFiling(tx.QueryRow(ctx,
			`SELECT `+filingColumns+` FROM filings WHERE id = $1`, currentFilingID))
		if err != nil {
			return err
		}
		previous, err := scanFiling(tx.QueryRow(ctx,
			`SELECT `+filingColumns+` FROM filings WHERE id = $1`, previousFilingID))
		if err != nil {
			return err
		}

		var diffID int64
		err = tx.QueryRow(ctx, `
			INSERT INTO filing_diffs
				(current_filing_id, previous_filing_id, status,
				 expected_sections, processed_sections, last_error, updated_at)
			VALUES ($1, $2, $3, 0, 0, NULL, now())
			ON CONFLICT (current_filing_id) DO UPDATE SET
				previous_filing_id = EXCLUDED.previous_filing_id,
				status = EXCLUDED.status,
				expected_sections = 0,
				processed_sections = 0,
				summary = NULL,
				last_error = NULL,
				updated_at = now()
			RETURNING id`,
			currentFilingID, previousFilingID, DiffPending).Scan(&diffID)
		if err != nil {
			return fmt.Errorf("upserting diff: %w", err)
		}
		if _, err = tx.Exec(ctx,
			`DELETE FROM filing_section_diffs WHERE diff_id = $1`, diffID); err != nil {
			return fmt.Errorf("clearing section diffs: %w", err)
		}

		// One job per ordinal in the union of both filings' sections. A full
		// outer join pairs matched ordinals and leaves one side NULL for
		// additions and removals.
		rows, err := tx.Query(ctx, `
			SELECT
				COALESCE(cur.ordinal, prev.ordinal),
				COALESCE(cur.title, prev.title, ''),
				cur.id, prev.id
			FROM
				(SELECT id, ordinal, title FROM filing_sections WHERE filing_id = $1) AS cur
			FULL OUTER JOIN
				(SELECT id, ordinal, title FROM filing_sections WHERE filing_id = $2) AS prev
			ON cur.ordinal = prev.ordinal
			ORDER BY 1`,
			currentFilingID, previousFilingID)
		if err != nil {
			return fmt.Errorf("enumerating section pairs: %w", err)
		}
		defer rows.Close()

		var jobs []DiffJobSeed
		for rows.Next() {
			var seed DiffJobSeed
			if err = rows.Scan(&seed.Ordinal, &seed.Title,
				&seed.CurrentSectionID, &seed.PreviousSectionID); err != nil {
				return fmt.Errorf("scanning section pair: %w", err)
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
		if err = rows.Err(); err != nil {
			return fmt.Errorf("enumerating section pairs: %w", err)
		}

		var status = DiffPending
		if len(jobs) == 0 {
			status = DiffSkipped
		}
		if _, err = tx.Exec(ctx, `
			UPDATE filing_diffs SET expected_sections = $2, status = $3, updated_at = now()
			WHERE id = $1`,
			diffID, len(jobs), status); err != nil {
			return fmt.Errorf("sizing diff: %w", err)
		}

		schedule = DiffSchedule{
			DiffID:            diffID,
			CurrentFilingID:   currentFilingID,
			PreviousFilingID:  previousFilingID,
			CurrentAccession:  current.AccessionNumber,
			PreviousAccession: previous.AccessionNumber,
			Jobs:              jobs,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &schedule, nil
}

const diffColumns = `id, current_filing_id, previous_filing_id, status,
	expected_sections, processed_sections, summary, last_error, created_at, updated_at`

func scanDiff(row pgx.Row) (*Diff, error) {
	var d Diff
	var err = row.Scan(&d.ID, &d.CurrentFilingID, &d.PreviousFilingID,
		&d.Status, &d.ExpectedSections, &d.ProcessedSections, &d.Summary,
		&d.LastError, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("scanning diff: %w", err)
	}
	return &d, nil
}

func (p *Postgres) DiffByID(ctx context.Context, id int64) (*Diff, error) {
	return scanDiff(p.pool.QueryRow(ctx,
		`SELECT `+diffColumns+` FROM filing_diffs WHERE id = $1`, id))
}

func (p *Postgres) DiffByCurrentFiling(ctx context.Context, filingID int64) (*Diff, error) {
	return scanDiff(p.pool.QueryRow(ctx,
		`SELECT `+diffColumns+` FROM filing_diffs WHERE current_filing_id = $1`, filingID))
}

func (p *Postgres) SectionDiffsByDiff(ctx context.Context, diffID int64) ([]SectionDiff, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, diff_id, current_section_id, previous_section_id, analysis_id,
			ordinal, title, change_type, summary, impact, confidence, evidence
		FROM filing_section_diffs WHERE diff_id = $1 ORDER BY ordinal, id`, diffID)
	if err != nil {
		return nil, fmt.Errorf("querying section diffs: %w", err)
	}
	defer rows.Close()

	var out []SectionDiff
	for rows.Next() {
		var sd SectionDiff
		if err = rows.Scan(&sd.ID, &sd.DiffID, &sd.CurrentSectionID,
			&sd.PreviousSectionID, &sd.AnalysisID, &sd.Ordinal, &sd.Title,
			&sd.ChangeType, &sd.Summary, &sd.Impact, &sd.Confidence,
			&sd.Evidence); err != nil {
			return nil, fmt.Errorf("scanning section diff: %w", err)
		}
		out = append(out, sd)
	}
	return out, rows.Err()
}

const analysisColumns = `id, job_id, filing_id, section_id, chunk_index, type,
	model, content, prompt_tokens, completion_tokens, total_tokens, extra`

func scanAnalysis(row pgx.Row) (*Analysis, error) {
	var a Analysis
	var err = row.Scan(&a.ID, &a.JobID, &a.FilingID, &a.SectionID,
		&a.ChunkIndex, &a.Type, &a.Model, &a.Content, &a.PromptTokens,
		&a.CompletionTokens, &a.TotalTokens, &a.Extra)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("scanning analysis: %w", err)
	}
	return &a, nil
}

func (p *Postgres) AnalysisByJobID(ctx context.Context, jobID string) (*Analysis, error) {
	return scanAnalysis(p.pool.QueryRow(ctx,
		`SELECT `+analysisColumns+` FROM filing_analyses WHERE job_id = $1`, jobID))
}

func upsertAnalysisTx(ctx context.Context, tx pgx.Tx, up AnalysisUpsert) (*Analysis, error) {
	return scanAnalysis(tx.QueryRow(ctx, `
		INSERT INTO filing_analyses
			(job_id, filing_id, section_id, chunk_index, type, model, content,
			 prompt_tokens, completion_tokens, total_tokens, extra)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (job_id) DO UPDATE SET
			filing_id = EXCLUDED.filing_id,
			section_id = EXCLUDED.section_id,
			chunk_index = EXCLUDED.chunk_index,
			type = EXCLUDED.type,
			model = EXCLUDED.model,
			content = EXCLUDED.content,
			prompt_tokens = EXCLUDED.prompt_tokens,
			completion_tokens = EXCLUDED.completion_tokens,
			total_tokens = EXCLUDED.total_tokens,
			extra = EXCLUDED.extra
		RETURNING `+analysisColumns,
		up.JobID, up.FilingID, up.SectionID, up.ChunkIndex, up.Type, up.Model,
		up.Content, up.PromptTokens, up.CompletionTokens, up.TotalTokens, up.Extra))
}

func (p *Postgres) UpsertAnalysis(ctx context.Context, up AnalysisUpsert) (*Analysis, error) {
	var analysis *Analysis
	var err = p.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		analysis, err = upsertAnalysisTx(ctx, tx, up)
		return err
	})
	return analysis, err
}

func (p *Postgres) UpsertEntityAnalysis(ctx context.Context, up AnalysisUpsert, entities []EntityInput) (*Analysis, error) {
	var analysis *Analysis
	var err = p.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if analysis, err = upsertAnalysisTx(ctx, tx, up); err != nil {
			return err
		}
		if _, err = tx.Exec(ctx,
			`DELETE FROM filing_entities WHERE analysis_id = $1`, analysis.ID); err != nil {
			return fmt.Errorf("clearing entities: %w", err)
		}
		for _, e := range entities {
			if _, err = tx.Exec(ctx, `
				INSERT INTO filing_entities
					(filing_id, section_id, analysis_id, type, label, confidence,
					 excerpt, attributes)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				up.FilingID, up.SectionID, analysis.ID, e.Type, e.Label,
				e.Confidence, e.Excerpt, e.Attributes); err != nil {
				return fmt.Errorf("inserting entity %q: %w", e.Label, err)
			}
		}
		return nil
	})
	return analysis, err
}

func (p *Postgres) EntitiesByAnalysis(ctx context.Context, analysisID int64) ([]Entity, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, filing_id, section_id, analysis_id, type, label, confidence,
			excerpt, attributes
		FROM filing_entities WHERE analysis_id = $1 ORDER BY id`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		if err = rows.Scan(&e.ID, &e.FilingID, &e.SectionID, &e.AnalysisID,
			&e.Type, &e.Label, &e.Confidence, &e.Excerpt, &e.Attributes); err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// lockDiff reads the Diff row FOR UPDATE so lifecycle bumps from concurrent
// section jobs serialise.
func lockDiff(ctx context.Context, tx pgx.Tx, diffID int64) (*Diff, error) {
	return scanDiff(tx.QueryRow(ctx,
		`SELECT `+diffColumns+` FROM filing_diffs WHERE id = $1 FOR UPDATE`, diffID))
}

func saveDiffTx(ctx context.Context, tx pgx.Tx, d *Diff) error {
	if _, err := tx.Exec(ctx, `
		UPDATE filing_diffs SET
			status = $2, expected_sections = $3, processed_sections = $4,
			summary = $5, last_error = $6, updated_at = $7
		WHERE id = $1`,
		d.ID, d.Status, d.ExpectedSections, d.ProcessedSections,
		d.Summary, d.LastError, d.UpdatedAt); err != nil {
		return fmt.Errorf("updating diff: %w", err)
	}
	return nil
}

func (p *Postgres) ApplySectionDiff(ctx context.Context, apply SectionDiffApply) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		diff, err := lockDiff(ctx, tx, apply.DiffID)
		if err != nil {
			return err
		}
		if _, err = tx.Exec(ctx,
			`DELETE FROM filing_section_diffs WHERE diff_id = $1 AND ordinal = $2`,
			apply.DiffID, apply.Ordinal); err != nil {
			return fmt.Errorf("clearing section diffs at ordinal %d: %w", apply.Ordinal, err)
		}

		var analysisID *int64
		if apply.Analysis != nil {
			analysis, err := upsertAnalysisTx(ctx, tx, *apply.Analysis)
			if err != nil {
				return err
			}
			analysisID = &analysis.ID
		} else if _, err = tx.Exec(ctx,
			`DELETE FROM filing_analyses WHERE job_id = $1`, apply.JobID); err != nil {
			return fmt.Errorf("clearing analysis %s: %w", apply.JobID, err)
		}

		for _, change := range apply.Changes {
			var evidence *string
			if change.Evidence != "" {
				var e = change.Evidence
				evidence = &e
			}
			if _, err = tx.Exec(ctx, `
				INSERT INTO filing_section_diffs
					(diff_id, current_section_id, previous_section_id, analysis_id,
					 ordinal, title, change_type, summary, impact, confidence, evidence)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				apply.DiffID, apply.CurrentSectionID, apply.PreviousSectionID,
				analysisID, apply.Ordinal, apply.Title, change.ChangeType,
				change.Summary, change.Impact, change.Confidence, evidence); err != nil {
				return fmt.Errorf("inserting section diff: %w", err)
			}
		}

		diff.LastError = nil
		advanceDiffLocked(diff)
		return saveDiffTx(ctx, tx, diff)
	})
}

func (p *Postgres) FinalizeDiffSection(ctx context.Context, diffID int64) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		diff, err := lockDiff(ctx, tx, diffID)
		if err != nil {
			return err
		}
		advanceDiffLocked(diff)
		return saveDiffTx(ctx, tx, diff)
	})
}

func (p *Postgres) FailDiff(ctx context.Context, diffID int64, message string) error {
	return p.inTx(ctx, func(tx pgx.Tx) error {
		diff, err := lockDiff(ctx, tx, diffID)
		if err != nil {
			return err
		}
		diff.Status = DiffFailed
		var truncated = truncateError(message)
		diff.LastError = &truncated
		diff.ProcessedSections = diff.ExpectedSections
		diff.UpdatedAt = time.Now().UTC()
		return saveDiffTx(ctx, tx, diff)
	})
}
