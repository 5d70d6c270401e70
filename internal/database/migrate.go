package database

import (
	"context"
	_ "embed"
)

//go:embed schema.sql
var schema string

// Schema returns the DDL applied by Migrate.
func Schema() string { return schema }

// Migrate applies the idempotent schema on the master pool.
func (e *Executor) Migrate(ctx context.Context) error {
	_, err := e.Execute(ctx, Statement{Name: "Migrate", SQL: schema, Pool: PoolMaster})
	return err
}
