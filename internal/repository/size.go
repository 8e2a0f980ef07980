package repository

import (
	"context"
	"errors"
	"fmt"

	trmpgx "github.com/avito-tech/go-transaction-manager/drivers/pgxv5/v2"
	trm "github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/jackc/pgx/v5"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
)

const sizeColumns = `s.id, s.pull_request_id, s.size_score, s.addition_weight, s.deletion_weight, s.file_weight,
	s.size_grade, s.file_change_diversity, s.additions, s.deletions, s.changed_files`

type SizeRepo struct {
	store
}

func NewSizeRepo(db trmpgx.Tr, trManager trm.Manager, logger *logger.Logger) *SizeRepo {
	return &SizeRepo{store: newStore(db, trManager, logger.Component("repository/size"))}
}

func (r *SizeRepo) Get(ctx context.Context, pullRequestID int64) (*domain.PullRequestSize, error) {
	return r.get(ctx, pullRequestID, "")
}

func (r *SizeRepo) Lock(ctx context.Context, pullRequestID int64) (*domain.PullRequestSize, error) {
	return r.get(ctx, pullRequestID, " FOR UPDATE")
}

func (r *SizeRepo) get(ctx context.Context, pullRequestID int64, suffix string) (*domain.PullRequestSize, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+sizeColumns+` FROM pull_request_sizes s WHERE s.pull_request_id = $1`+suffix, pullRequestID)

	s, err := scanSize(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAggregateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: size: %v", ErrScanResult, err)
	}
	return s, nil
}

func (r *SizeRepo) Create(ctx context.Context, s *domain.PullRequestSize) (bool, error) {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO pull_request_sizes (pull_request_id, size_score, addition_weight, deletion_weight, file_weight,
			size_grade, file_change_diversity, additions, deletions, changed_files)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (pull_request_id) DO NOTHING
		RETURNING id`,
		s.PullRequestID, s.SizeScore, s.Weight.Addition, s.Weight.Deletion, s.Weight.File,
		string(s.Grade), s.FileChangeDiversity, s.Stats.Additions, s.Stats.Deletions, s.Stats.ChangedFiles,
	).Scan(&s.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert size: %w", err)
	}
	return true, nil
}

func (r *SizeRepo) Update(ctx context.Context, s *domain.PullRequestSize) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE pull_request_sizes
		SET size_score = $2, addition_weight = $3, deletion_weight = $4, file_weight = $5,
			size_grade = $6, file_change_diversity = $7, additions = $8, deletions = $9, changed_files = $10
		WHERE pull_request_id = $1`,
		s.PullRequestID, s.SizeScore, s.Weight.Addition, s.Weight.Deletion, s.Weight.File,
		string(s.Grade), s.FileChangeDiversity, s.Stats.Additions, s.Stats.Deletions, s.Stats.ChangedFiles,
	)
	if err != nil {
		return fmt.Errorf("update size: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAggregateNotFound
	}
	return nil
}

func (r *SizeRepo) ListByProject(ctx context.Context, projectID int64) ([]*domain.PullRequestSize, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+sizeColumns+`
		FROM pull_request_sizes s
		JOIN pull_requests p ON p.id = s.pull_request_id
		WHERE p.project_id = $1
		ORDER BY s.pull_request_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: list sizes: %w", ErrExecuteQuery, err)
	}
	defer rows.Close()

	var out []*domain.PullRequestSize
	for rows.Next() {
		s, err := scanSize(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: size: %v", ErrScanResult, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSize(row pgx.Row) (*domain.PullRequestSize, error) {
	var (
		s     domain.PullRequestSize
		grade string
	)
	err := row.Scan(&s.ID, &s.PullRequestID, &s.SizeScore,
		&s.Weight.Addition, &s.Weight.Deletion, &s.Weight.File,
		&grade, &s.FileChangeDiversity, &s.Stats.Additions, &s.Stats.Deletions, &s.Stats.ChangedFiles)
	if err != nil {
		return nil, err
	}
	s.Grade = domain.SizeGrade(grade)
	return &s, nil
}
