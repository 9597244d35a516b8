package transaction

import (
	"context"
	"strings"
	"unicode"
)

// RuleMatch is how a category rule compares against a description.
type RuleMatch string

const (
	MatchPrefix   RuleMatch = "prefix"
	MatchContains RuleMatch = "contains"
	// MatchFuzzy compares descriptions after normalization (case folding,
	// digits and punctuation stripped), so "PIX 0423 PADARIA" matches the
	// rule learned from "PIX 1187 PADARIA".
	MatchFuzzy RuleMatch = "fuzzy"
)

// CategoryRule is a user-defined pattern mapping descriptions to a category.
type CategoryRule struct {
	ID         int64
	CompanyID  int64
	Pattern    string
	Match      RuleMatch
	CategoryID int64
}

// RuleRepository lists the rules of the company that owns a connection.
type RuleRepository interface {
	ListByCompany(ctx context.Context, companyID int64) ([]*CategoryRule, error)
}

// Matches reports whether the rule applies to a description.
func (r *CategoryRule) Matches(description string) bool {
	desc := strings.ToLower(strings.TrimSpace(description))
	pattern := strings.ToLower(strings.TrimSpace(r.Pattern))
	if pattern == "" {
		return false
	}

	switch r.Match {
	case MatchPrefix:
		return strings.HasPrefix(desc, pattern)
	case MatchContains:
		return strings.Contains(desc, pattern)
	case MatchFuzzy:
		return normalize(desc) == normalize(pattern)
	default:
		return false
	}
}

func normalize(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			b.WriteRune(unicode.ToLower(r))
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
		// digits and punctuation dropped
	}
	return strings.TrimSpace(b.String())
}

// providerCategoryNames translates the provider's category codes.
// Reference data only; the user-assigned category always wins.
var providerCategoryNames = map[string]string{
	"01000000": "Renda",
	"01010000": "Salário",
	"02000000": "Empréstimos e financiamento",
	"02030000": "Financiamento",
	"03000000": "Investimentos",
	"04000000": "Transferência mesma titularidade",
	"05000000": "Transferências",
	"05070000": "Transferência - PIX",
	"05100000": "Pagamento de cartão de crédito",
	"06000000": "Obrigações legais",
	"07000000": "Serviços",
	"07010000": "Telecomunicação",
	"07020000": "Educação",
	"07030000": "Saúde e bem-estar",
	"08000000": "Compras",
	"08010000": "Compras online",
	"09000000": "Serviços digitais",
	"10000000": "Supermercado",
	"11000000": "Alimentação",
	"12000000": "Viagens",
	"13000000": "Transporte",
	"14000000": "Moradia",
	"15000000": "Lazer",
	"16000000": "Impostos",
	"17000000": "Taxas bancárias",
	"18000000": "Seguros",
}

// TranslateProviderCategory resolves a provider category code to a display
// name, falling back to the provider's own label.
func TranslateProviderCategory(code, fallback *string) *string {
	if code != nil {
		if name, ok := providerCategoryNames[*code]; ok {
			return &name
		}
	}
	return fallback
}

// ResolveCategory applies the categorization priority order:
// the user's previous assignment, then a matching pattern rule, then nothing
// (the provider category is stored separately as reference data).
func ResolveCategory(existing *Transaction, description string, rules []*CategoryRule) *int64 {
	if existing != nil && existing.CategoryID != nil {
		return existing.CategoryID
	}
	for _, rule := range rules {
		if rule.Matches(description) {
			id := rule.CategoryID
			return &id
		}
	}
	return nil
}
