package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Masterminds/squirrel"
	trmpgx "github.com/avito-tech/go-transaction-manager/drivers/pgxv5/v2"
	trm "github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/jackc/pgx/v5"

	"github.com/ZertGraf/pr-insight/internal/domain"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
	"github.com/ZertGraf/pr-insight/internal/pkg/postgres"
)

const pullRequestColumns = `id, external_id, project_id, number, author_login, state, draft, head_sha,
	additions, deletions, changed_files, commit_count,
	created_at, review_ready_at, merged_at, closed_at, stats_updated_at`

type PullRequestRepo struct {
	store
}

func NewPullRequestRepo(db trmpgx.Tr, trManager trm.Manager, logger *logger.Logger) *PullRequestRepo {
	return &PullRequestRepo{store: newStore(db, trManager, logger.Component("repository/pull_request"))}
}

// SaveOrFind stores pr keyed by its external id. A duplicate delivery of the
// opened event returns the already stored pull request.
func (r *PullRequestRepo) SaveOrFind(ctx context.Context, pr *domain.PullRequest) (*domain.PullRequest, bool, error) {
	return saveOrFind(ctx, r.trManager, pr,
		func(ctx context.Context) error { return r.insert(ctx, pr) },
		func(ctx context.Context) (*domain.PullRequest, error) { return r.FindByExternalID(ctx, pr.ExternalID) },
	)
}

func (r *PullRequestRepo) insert(ctx context.Context, pr *domain.PullRequest) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO pull_requests (external_id, project_id, number, author_login, state, draft, head_sha,
			additions, deletions, changed_files, commit_count,
			created_at, review_ready_at, merged_at, closed_at, stats_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`,
		pr.ExternalID, pr.ProjectID, pr.Number, pr.AuthorLogin, string(pr.State), pr.Draft, pr.HeadSHA,
		pr.Stats.Additions, pr.Stats.Deletions, pr.Stats.ChangedFiles, pr.CommitCount,
		pr.Timing.CreatedAt, pr.ReviewReadyAt, pr.Timing.MergedAt, pr.Timing.ClosedAt, pr.StatsUpdatedAt,
	).Scan(&pr.ID)
	if err != nil {
		return fmt.Errorf("insert pull request: %w", postgres.MapError(err, "pull request", strconv.FormatInt(pr.ExternalID, 10)))
	}
	return nil
}

func (r *PullRequestRepo) FindByExternalID(ctx context.Context, externalID int64) (*domain.PullRequest, error) {
	return r.findOne(ctx, "external_id", externalID)
}

func (r *PullRequestRepo) FindByID(ctx context.Context, id int64) (*domain.PullRequest, error) {
	return r.findOne(ctx, "id", id)
}

func (r *PullRequestRepo) findOne(ctx context.Context, column string, value int64) (*domain.PullRequest, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+pullRequestColumns+` FROM pull_requests WHERE `+column+` = $1`, value)

	pr, err := scanPullRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPullRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: pull request: %v", ErrScanResult, err)
	}
	return pr, nil
}

func scanPullRequest(row pgx.Row) (*domain.PullRequest, error) {
	var (
		pr    domain.PullRequest
		state string
	)
	err := row.Scan(
		&pr.ID, &pr.ExternalID, &pr.ProjectID, &pr.Number, &pr.AuthorLogin, &state, &pr.Draft, &pr.HeadSHA,
		&pr.Stats.Additions, &pr.Stats.Deletions, &pr.Stats.ChangedFiles, &pr.CommitCount,
		&pr.Timing.CreatedAt, &pr.ReviewReadyAt, &pr.Timing.MergedAt, &pr.Timing.ClosedAt, &pr.StatsUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pr.State = domain.PullRequestState(state)
	return &pr, nil
}

// UpdateDiffStats overwrites the diff statistics when at is newer than the
// stored stats timestamp. It returns the number of rows changed.
func (r *PullRequestRepo) UpdateDiffStats(ctx context.Context, id int64, stats domain.DiffStats, commitCount int, headSHA string, at time.Time) (int64, error) {
	n, err := r.exec(ctx, r.sb.Update("pull_requests").
		SetMap(map[string]any{
			"additions":        stats.Additions,
			"deletions":        stats.Deletions,
			"changed_files":    stats.ChangedFiles,
			"commit_count":     commitCount,
			"head_sha":         headSHA,
			"stats_updated_at": at,
		}).
		Where(squirrel.Eq{"id": id}).
		Where(squirrel.Lt{"stats_updated_at": at}))
	if err != nil {
		return 0, fmt.Errorf("update diff stats: %w", err)
	}
	return n, nil
}

func (r *PullRequestRepo) UpdateState(ctx context.Context, id int64, state domain.PullRequestState, draft bool, reviewReadyAt *time.Time) error {
	q := r.sb.Update("pull_requests").
		Set("state", string(state)).
		Set("draft", draft).
		Where(squirrel.Eq{"id": id})
	if reviewReadyAt != nil {
		q = q.Set("review_ready_at", squirrel.Expr("COALESCE(review_ready_at, ?)", *reviewReadyAt))
	}

	n, err := r.exec(ctx, q)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	if n == 0 {
		return domain.ErrPullRequestNotFound
	}
	return nil
}

func (r *PullRequestRepo) MarkClosed(ctx context.Context, id int64, state domain.PullRequestState, mergedAt *time.Time, closedAt time.Time) error {
	n, err := r.exec(ctx, r.sb.Update("pull_requests").
		SetMap(map[string]any{
			"state":     string(state),
			"merged_at": mergedAt,
			"closed_at": closedAt,
		}).
		Where(squirrel.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("mark closed: %w", err)
	}
	if n == 0 {
		return domain.ErrPullRequestNotFound
	}
	return nil
}

// Reopen clears the close timestamp of an unmerged pull request.
func (r *PullRequestRepo) Reopen(ctx context.Context, id int64, state domain.PullRequestState) error {
	n, err := r.exec(ctx, r.sb.Update("pull_requests").
		Set("state", string(state)).
		Set("closed_at", nil).
		Where(squirrel.Eq{"id": id, "merged_at": nil}))
	if err != nil {
		return fmt.Errorf("reopen: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: pull request %d is merged or missing", domain.ErrInvalidTransition, id)
	}
	return nil
}

func (r *PullRequestRepo) ListIDsByProject(ctx context.Context, projectID int64) ([]int64, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id FROM pull_requests WHERE project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: list pull requests: %w", ErrExecuteQuery, err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("%w: pull request ids: %v", ErrScanResult, err)
	}
	return ids, nil
}
