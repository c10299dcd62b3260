package db

import (
	"github.com/equitylens/equitylens/internal/core"
)

// DbClient re-exports the persistence interface so call sites wiring the
// concrete Postgres client keep a package-local name for it.
type DbClient = core.DbClient
