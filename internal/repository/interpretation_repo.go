package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"metergate/internal/model"
)

type InterpretationRepository interface {
	Create(ctx context.Context, it *model.Interpretation) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]model.Interpretation, error)
}

type interpretationRepo struct {
	pool *pgxpool.Pool
}

func NewInterpretationRepo(pool *pgxpool.Pool) InterpretationRepository {
	return &interpretationRepo{pool: pool}
}

func (r *interpretationRepo) Create(ctx context.Context, it *model.Interpretation) error {
	const q = `
		INSERT INTO interpretations
			(id, account_id, tier, model, input, output, summary, prompt_tokens, completion_tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.pool.Exec(ctx, q,
		it.ID, it.AccountID, string(it.Tier), it.Model, it.Input, it.Output,
		it.Summary, it.PromptTokens, it.CompletionTokens, it.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting interpretation for %s: %w", it.AccountID, err)
	}
	return nil
}

func (r *interpretationRepo) ListByAccount(ctx context.Context, accountID string, limit int) ([]model.Interpretation, error) {
	const q = `
		SELECT id::text, account_id, tier, model, input, output, summary,
		       prompt_tokens, completion_tokens, created_at
		FROM interpretations
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, q, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing interpretations for %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []model.Interpretation
	for rows.Next() {
		var it model.Interpretation
		var tier string
		if err := rows.Scan(&it.ID, &it.AccountID, &tier, &it.Model, &it.Input, &it.Output,
			&it.Summary, &it.PromptTokens, &it.CompletionTokens, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning interpretation: %w", err)
		}
		it.Tier = model.Tier(tier)
		out = append(out, it)
	}
	return out, rows.Err()
}

type memoryInterpretationRepo struct {
	mu    sync.Mutex
	items []model.Interpretation
}

// NewMemoryInterpretationRepo keeps results in process memory.
func NewMemoryInterpretationRepo() InterpretationRepository {
	return &memoryInterpretationRepo{}
}

func (r *memoryInterpretationRepo) Create(_ context.Context, it *model.Interpretation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, *it)
	return nil
}

func (r *memoryInterpretationRepo) ListByAccount(_ context.Context, accountID string, limit int) ([]model.Interpretation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Interpretation
	for _, it := range r.items {
		if it.AccountID == accountID {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
