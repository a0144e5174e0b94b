package config

import (
	"strings"

	"github.com/mmdatafocus/tally_sync/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const ownerColumn = "owner_id"

// OwnerScopePlugin enforces tenant isolation by scoping queries/updates/deletes to the
// context's owner_id when the model has an owner_id column.
//
// NOTE:
// - This does NOT apply to Raw SQL queries. Those must include owner_id manually.
// - Cross-owner maintenance must opt out explicitly via appctx.ContextKeySkipOwnerScope.
type OwnerScopePlugin struct{}

func NewOwnerScopePlugin() *OwnerScopePlugin { return &OwnerScopePlugin{} }

func (p *OwnerScopePlugin) Name() string { return "owner_scope" }

func (p *OwnerScopePlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Query().Before("gorm:query").Register("owner_scope:query", ownerScopeCallback); err != nil {
		return err
	}
	if err := db.Callback().Row().Before("gorm:row").Register("owner_scope:row", ownerScopeCallback); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("owner_scope:update", ownerScopeCallback); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("owner_scope:delete", ownerScopeCallback); err != nil {
		return err
	}
	return nil
}

func ownerScopeCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	if skip, _ := appctx.GetBool(ctx, appctx.ContextKeySkipOwnerScope); skip {
		return
	}
	ownerID, _ := appctx.GetString(ctx, appctx.ContextKeyOwnerId)
	if ownerID == "" {
		return
	}

	if db.Statement.Schema == nil {
		return
	}
	hasOwner := false
	for _, f := range db.Statement.Schema.Fields {
		if strings.EqualFold(f.DBName, ownerColumn) {
			hasOwner = true
			break
		}
	}
	if !hasOwner {
		return
	}

	// Don't duplicate an explicit owner filter.
	if whereHasOwner(db.Statement.Clauses["WHERE"]) {
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: ownerColumn},
				Value:  ownerID,
			},
		},
	})
}

func whereHasOwner(c clause.Clause) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasOwner(e) {
			return true
		}
	}
	return false
}

func exprHasOwner(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsOwner(v.Column)
	case clause.Neq:
		return colIsOwner(v.Column)
	case clause.IN:
		return colIsOwner(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if exprHasOwner(x) {
				return true
			}
		}
		return false
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if exprHasOwner(x) {
				return true
			}
		}
		return false
	case clause.Expr:
		// Best-effort for raw expressions.
		return strings.Contains(strings.ToLower(v.SQL), ownerColumn)
	default:
		return false
	}
}

func colIsOwner(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, ownerColumn)
	case clause.Column:
		return strings.EqualFold(c.Name, ownerColumn)
	default:
		return false
	}
}
