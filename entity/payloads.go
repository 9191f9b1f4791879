// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

package entity

// Expense is a single spend entry. Categories and Tags are label sets:
// order-insensitive, duplicate-free after normalization.
type Expense struct {
	Amount     float64  `json:"amount"`
	Title      string   `json:"title"`
	Categories []string `json:"category"`
	Tags       []string `json:"tags"`
	Date       int64    `json:"date"` // epoch milliseconds
	AccountID  string   `json:"accountId"`
}

func (e *Expense) Kind() Kind { return KindExpense }

func (e *Expense) Validate() error {
	if e.Title == "" {
		return &ValidationError{Kind: KindExpense, Field: "title", Reason: "required"}
	}
	if e.Amount < 0 {
		return &ValidationError{Kind: KindExpense, Field: "amount", Reason: "must be non-negative"}
	}
	if e.AccountID == "" {
		return &ValidationError{Kind: KindExpense, Field: "accountId", Reason: "required"}
	}
	return nil
}

func (e *Expense) Normalize() map[string]any {
	return map[string]any{
		"amount":    e.Amount,
		"title":     e.Title,
		"category":  normalizeSet(e.Categories),
		"tags":      normalizeSet(e.Tags),
		"date":      e.Date,
		"accountId": e.AccountID,
	}
}

// Income is a single earning entry.
type Income struct {
	Amount    float64 `json:"amount"`
	AccountID string  `json:"accountId"`
	Date      int64   `json:"date"` // epoch milliseconds
	Source    string  `json:"source"`
	Category  string  `json:"category"`
	Notes     string  `json:"notes,omitempty"`
}

func (i *Income) Kind() Kind { return KindIncome }

func (i *Income) Validate() error {
	if i.Source == "" {
		return &ValidationError{Kind: KindIncome, Field: "source", Reason: "required"}
	}
	if i.Amount < 0 {
		return &ValidationError{Kind: KindIncome, Field: "amount", Reason: "must be non-negative"}
	}
	if i.AccountID == "" {
		return &ValidationError{Kind: KindIncome, Field: "accountId", Reason: "required"}
	}
	return nil
}

func (i *Income) Normalize() map[string]any {
	return map[string]any{
		"amount":    i.Amount,
		"accountId": i.AccountID,
		"date":      i.Date,
		"source":    i.Source,
		"category":  i.Category,
		"notes":     i.Notes,
	}
}

// CategoryKind scopes a category to the expense or income side.
type CategoryKind string

const (
	CategoryExpense CategoryKind = "expense"
	CategoryIncome  CategoryKind = "income"
)

// Category is a user-defined label usable on expenses or incomes.
type Category struct {
	Name         string       `json:"name"`
	CategoryKind CategoryKind `json:"type"`
}

func (c *Category) Kind() Kind { return KindCategory }

func (c *Category) Validate() error {
	if c.Name == "" {
		return &ValidationError{Kind: KindCategory, Field: "name", Reason: "required"}
	}
	if c.CategoryKind != CategoryExpense && c.CategoryKind != CategoryIncome {
		return &ValidationError{Kind: KindCategory, Field: "type", Reason: "must be expense or income"}
	}
	return nil
}

func (c *Category) Normalize() map[string]any {
	return map[string]any{
		"name": c.Name,
		"type": string(c.CategoryKind),
	}
}

// Account is a money source/destination (wallet, bank card, ...).
type Account struct {
	Name string `json:"name"`
}

func (a *Account) Kind() Kind { return KindAccount }

func (a *Account) Validate() error {
	if a.Name == "" {
		return &ValidationError{Kind: KindAccount, Field: "name", Reason: "required"}
	}
	return nil
}

func (a *Account) Normalize() map[string]any {
	return map[string]any{"name": a.Name}
}

// ReferenceValue is a user-defined reference number (budget target, rate, ...).
type ReferenceValue struct {
	Value float64 `json:"value"`
}

func (r *ReferenceValue) Kind() Kind { return KindReferenceValue }

func (r *ReferenceValue) Validate() error { return nil }

func (r *ReferenceValue) Normalize() map[string]any {
	return map[string]any{"value": r.Value}
}
