package driven

import (
	"context"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

// Notifier is the sink for terminal events. Implementations must tolerate
// redelivery of the same event and publish it at most once per submission.
type Notifier interface {
	Notify(ctx context.Context, ev *domain.TerminalEvent) error
}
