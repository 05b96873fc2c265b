package event

import (
	"time"

	"github.com/kodax/walletsnap/internal/domain/model"
)

// BuildCompleted is emitted when a single-flight discovery+snapshot build
// finishes, successfully or not, for use by tests asserting invariant 4
// (no duplicate in-flight builds) and by metrics/alerting.
type BuildCompleted struct {
	ChainID  model.ChainID
	Wallet   string
	Err      error
	Duration time.Duration
}
