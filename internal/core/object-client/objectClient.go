package objectclient

import (
	"github.com/equitylens/equitylens/internal/core"
)

// ObjectClient re-exports the storage interface so call sites wiring the
// concrete S3 client keep a package-local name for it.
type ObjectClient = core.ObjectClient
