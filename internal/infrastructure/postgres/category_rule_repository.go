package postgres

import (
	"context"
	"fmt"

	"contia/internal/domain/transaction"
)

type CategoryRuleRepository struct {
	db *DB
}

func NewCategoryRuleRepository(db *DB) *CategoryRuleRepository {
	return &CategoryRuleRepository{db: db}
}

func (r *CategoryRuleRepository) ListByCompany(ctx context.Context, companyID int64) ([]*transaction.CategoryRule, error) {
	query := `
		SELECT id, company_id, pattern, match_kind, category_id
		FROM category_rules
		WHERE company_id = $1
		ORDER BY id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list category rules: %w", err)
	}
	defer rows.Close()

	var rules []*transaction.CategoryRule
	for rows.Next() {
		var rule transaction.CategoryRule
		var match string
		if err := rows.Scan(&rule.ID, &rule.CompanyID, &rule.Pattern, &match, &rule.CategoryID); err != nil {
			return nil, fmt.Errorf("failed to scan category rule: %w", err)
		}
		rule.Match = transaction.RuleMatch(match)
		rules = append(rules, &rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate category rules: %w", err)
	}
	return rules, nil
}
