// Package ledger is the pipeline's durable record of work: which items were
// admitted, which pseudonyms they were assigned and when they were exported.
// Every write runs in a serializable transaction; concurrent workers race on
// the same rows and the ledger, not the workers, arbitrates.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/SAFEHR-data/PIXL-sub000/internal/message"
	"github.com/SAFEHR-data/PIXL-sub000/internal/pipeline"
)

// ErrNotFound is returned when a lookup matches no ledger row.
var ErrNotFound = errors.New("ledger: not found")

const (
	pgSerializationFailure = "40001"
	pgUniqueViolation      = "23505"
)

// Ledger is the persistence surface the pipeline stages use. The
// anonymisation stage works from DICOM content, so lookups key on
// (project, mrn, accession) and resolve against the most recent extract.
type Ledger interface {
	// Admit records a work item, creating its extract row if needed.
	// Re-admitting the same item is a no-op.
	Admit(ctx context.Context, projectSlug string, msg message.Message) error

	// AlreadyExported reports whether the item's study was already
	// delivered in a previous run. The item identity is
	// (mrn, accession, study date); the same accession on a different
	// date is a different item.
	AlreadyExported(ctx context.Context, projectSlug, mrn, accessionNumber string, studyDate message.Date) (bool, error)

	// AssignPseudoStudyUID returns the item's pseudonymous study UID,
	// minting and persisting one on first call. Concurrent callers for the
	// same item converge on one value.
	AssignPseudoStudyUID(ctx context.Context, projectSlug, mrn, accessionNumber string) (string, error)

	// AssignOrGetPseudoPatientID returns the pseudonymous patient ID for
	// (project, mrn), persisting candidate if the patient has none yet.
	// All items of one patient within a project share the returned value.
	AssignOrGetPseudoPatientID(ctx context.Context, projectSlug, mrn, candidate string) (string, error)

	// StudyExported reports whether the study behind a pseudonymous UID
	// was already delivered. Uploaders consult this before touching the
	// sink.
	StudyExported(ctx context.Context, pseudoStudyUID string) (bool, error)

	// MarkExported flips the item's exported flag. A second call returns
	// pipeline.ErrAlreadyExported.
	MarkExported(ctx context.Context, pseudoStudyUID string) error

	// ExportedCountForProject counts delivered items across all extracts
	// of a project. The orchestrator's retry loop stops when this stops
	// moving.
	ExportedCountForProject(ctx context.Context, projectSlug string) (int64, error)

	// ProjectSlugForStudy resolves the project owning a pseudonymous
	// study UID, or ErrNotFound.
	ProjectSlugForStudy(ctx context.Context, pseudoStudyUID string) (string, error)

	// ProcessedImages lists the project's items that were assigned a
	// pseudonymous study UID, for the radiology linker export.
	ProcessedImages(ctx context.Context, projectSlug string) ([]ProcessedImage, error)
}

// ProcessedImage is one anonymised item together with its pseudonyms.
type ProcessedImage struct {
	MRN             string
	AccessionNumber string
	PseudoStudyUID  string
	PseudoPatientID string
}

// DB is the subset of pgxpool.Pool the ledger needs.
type DB interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type pgLedger struct {
	db     DB
	log    *zap.Logger
	newUID func() string
}

// New returns a postgres-backed ledger. newUID mints pseudonymous study
// UIDs; it must return a fresh value on every call.
func New(db DB, newUID func() string, log *zap.Logger) Ledger {
	return &pgLedger{db: db, newUID: newUID, log: log}
}

// inTx runs fn in a serializable transaction, retrying on serialization
// failures with exponential backoff.
func (l *pgLedger) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	op := func() error {
		tx, err := l.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("begin tx: %w", err))
		}
		defer tx.Rollback(ctx)

		if err := fn(tx); err != nil {
			if isPgCode(err, pgSerializationFailure) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(ctx); err != nil {
			if isPgCode(err, pgSerializationFailure) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("commit tx: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 6), ctx)
	return backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		l.log.Warn("ledger tx serialization conflict, retrying",
			zap.Error(err), zap.Duration("backoff", next))
	})
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func (l *pgLedger) Admit(ctx context.Context, projectSlug string, msg message.Message) error {
	return l.inTx(ctx, func(tx pgx.Tx) error {
		var extractID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO extract (slug, extract_datetime)
			VALUES ($1, $2)
			ON CONFLICT (slug, extract_datetime)
			    DO UPDATE SET slug = EXCLUDED.slug
			RETURNING extract_id`,
			projectSlug, msg.ExtractGeneratedTimestamp).Scan(&extractID)
		if err != nil {
			return fmt.Errorf("upsert extract: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO image (extract_id, mrn, accession_number, study_date, study_uid)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (extract_id, mrn, accession_number, study_date) DO NOTHING`,
			extractID, msg.MRN, msg.AccessionNumber, msg.StudyDate.Time, msg.StudyUID)
		if err != nil {
			return fmt.Errorf("insert image: %w", err)
		}
		return nil
	})
}

// latestImageByItem resolves a work item to its image row in the most
// recent extract of the project.
const latestImageByItem = `
	SELECT i.image_id FROM image i
	JOIN extract e ON e.extract_id = i.extract_id
	WHERE e.slug = $1 AND i.mrn = $2 AND i.accession_number = $3
	ORDER BY e.extract_datetime DESC
	LIMIT 1`

func (l *pgLedger) AlreadyExported(ctx context.Context, projectSlug, mrn, accessionNumber string, studyDate message.Date) (bool, error) {
	var exported bool
	err := l.db.QueryRow(ctx, `
		SELECT i.exported_at IS NOT NULL FROM image i
		JOIN extract e ON e.extract_id = i.extract_id
		WHERE e.slug = $1 AND i.mrn = $2 AND i.accession_number = $3 AND i.study_date = $4
		ORDER BY e.extract_datetime DESC
		LIMIT 1`,
		projectSlug, mrn, accessionNumber, studyDate.Time).Scan(&exported)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%w: item %s/%s", ErrNotFound, mrn, accessionNumber)
	}
	if err != nil {
		return false, fmt.Errorf("query exported flag: %w", err)
	}
	return exported, nil
}

func (l *pgLedger) AssignPseudoStudyUID(ctx context.Context, projectSlug, mrn, accessionNumber string) (string, error) {
	var uid string
	assign := func(tx pgx.Tx) error {
		var imageID int64
		err := tx.QueryRow(ctx, latestImageByItem, projectSlug, mrn, accessionNumber).Scan(&imageID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: item %s/%s not admitted", ErrNotFound, mrn, accessionNumber)
		}
		if err != nil {
			return fmt.Errorf("find image row: %w", err)
		}

		var existing *string
		if err := tx.QueryRow(ctx,
			`SELECT pseudo_study_uid FROM image WHERE image_id = $1 FOR UPDATE`,
			imageID).Scan(&existing); err != nil {
			return fmt.Errorf("lock image row: %w", err)
		}
		if existing != nil && *existing != "" {
			uid = *existing
			return nil
		}

		uid = l.newUID()
		_, err = tx.Exec(ctx,
			`UPDATE image SET pseudo_study_uid = $1 WHERE image_id = $2`, uid, imageID)
		if err != nil {
			return fmt.Errorf("store pseudo study uid: %w", err)
		}
		return nil
	}

	// The UID column is globally unique. A generator collision is absurdly
	// unlikely but cheap to survive: mint again and rerun the transaction.
	for attempt := 0; attempt < 3; attempt++ {
		err := l.inTx(ctx, assign)
		if err == nil {
			return uid, nil
		}
		if isPgCode(err, pgUniqueViolation) {
			l.log.Warn("pseudo study uid collision, minting a new one",
				zap.String("mrn", mrn), zap.String("accession_number", accessionNumber))
			continue
		}
		return "", err
	}
	return "", fmt.Errorf("could not assign a unique pseudo study uid for %s/%s", mrn, accessionNumber)
}

func (l *pgLedger) AssignOrGetPseudoPatientID(ctx context.Context, projectSlug, mrn, candidate string) (string, error) {
	var out string
	err := l.inTx(ctx, func(tx pgx.Tx) error {
		// Any prior assignment for this patient within the project wins.
		var existing string
		err := tx.QueryRow(ctx, `
			SELECT i.pseudo_patient_id FROM image i
			JOIN extract e ON e.extract_id = i.extract_id
			WHERE e.slug = $1 AND i.mrn = $2 AND i.pseudo_patient_id IS NOT NULL
			LIMIT 1`,
			projectSlug, mrn).Scan(&existing)
		switch {
		case err == nil:
			out = existing
		case errors.Is(err, pgx.ErrNoRows):
			out = candidate
		default:
			return fmt.Errorf("query pseudo patient id: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE image SET pseudo_patient_id = $1
			WHERE mrn = $2 AND pseudo_patient_id IS NULL
			  AND extract_id IN (SELECT extract_id FROM extract WHERE slug = $3)`,
			out, mrn, projectSlug)
		if err != nil {
			return fmt.Errorf("store pseudo patient id: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

func (l *pgLedger) StudyExported(ctx context.Context, pseudoStudyUID string) (bool, error) {
	var exported bool
	err := l.db.QueryRow(ctx,
		`SELECT exported_at IS NOT NULL FROM image WHERE pseudo_study_uid = $1`,
		pseudoStudyUID).Scan(&exported)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%w: study %s", ErrNotFound, pseudoStudyUID)
	}
	if err != nil {
		return false, fmt.Errorf("query exported flag: %w", err)
	}
	return exported, nil
}

func (l *pgLedger) MarkExported(ctx context.Context, pseudoStudyUID string) error {
	return l.inTx(ctx, func(tx pgx.Tx) error {
		var exportedAt *time.Time
		err := tx.QueryRow(ctx,
			`SELECT exported_at FROM image WHERE pseudo_study_uid = $1 FOR UPDATE`,
			pseudoStudyUID).Scan(&exportedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: study %s", ErrNotFound, pseudoStudyUID)
		}
		if err != nil {
			return fmt.Errorf("lock image row: %w", err)
		}
		if exportedAt != nil {
			return fmt.Errorf("study %s: %w", pseudoStudyUID, pipeline.ErrAlreadyExported)
		}

		_, err = tx.Exec(ctx,
			`UPDATE image SET exported_at = now() WHERE pseudo_study_uid = $1`,
			pseudoStudyUID)
		if err != nil {
			return fmt.Errorf("set exported_at: %w", err)
		}
		return nil
	})
}

func (l *pgLedger) ExportedCountForProject(ctx context.Context, projectSlug string) (int64, error) {
	var n int64
	err := l.db.QueryRow(ctx, `
		SELECT count(*) FROM image i
		JOIN extract e ON e.extract_id = i.extract_id
		WHERE e.slug = $1 AND i.exported_at IS NOT NULL`,
		projectSlug).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count exported: %w", err)
	}
	return n, nil
}

func (l *pgLedger) ProcessedImages(ctx context.Context, projectSlug string) ([]ProcessedImage, error) {
	rows, err := l.db.Query(ctx, `
		SELECT i.mrn, i.accession_number, i.pseudo_study_uid, COALESCE(i.pseudo_patient_id, '')
		FROM image i
		JOIN extract e ON e.extract_id = i.extract_id
		WHERE e.slug = $1 AND i.pseudo_study_uid IS NOT NULL
		ORDER BY i.image_id`,
		projectSlug)
	if err != nil {
		return nil, fmt.Errorf("query processed images: %w", err)
	}
	defer rows.Close()

	var out []ProcessedImage
	for rows.Next() {
		var img ProcessedImage
		if err := rows.Scan(&img.MRN, &img.AccessionNumber, &img.PseudoStudyUID, &img.PseudoPatientID); err != nil {
			return nil, fmt.Errorf("scan processed image: %w", err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processed images: %w", err)
	}
	return out, nil
}

func (l *pgLedger) ProjectSlugForStudy(ctx context.Context, pseudoStudyUID string) (string, error) {
	var slug string
	err := l.db.QueryRow(ctx, `
		SELECT e.slug FROM image i
		JOIN extract e ON e.extract_id = i.extract_id
		WHERE i.pseudo_study_uid = $1`,
		pseudoStudyUID).Scan(&slug)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: study %s", ErrNotFound, pseudoStudyUID)
	}
	if err != nil {
		return "", fmt.Errorf("query project for study: %w", err)
	}
	return slug, nil
}
