package marginguard

import (
	"fmt"

	"github.com/bitguard/marginguard/pkg/models"
)

// ConfigError reports a missing or invalid policy field. Not retried:
// the same configuration will fail the same way next tick.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid protection policy: %s: %s", e.Field, e.Reason)
}

// TransientNetworkError wraps a failed exchange or repository call that
// is worth retrying.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// DependencyNotReadyError reports a collaborator that is not yet wired.
// Construction-time injection makes this unreachable in normal startup;
// it remains the job-boundary guard against misassembly.
type DependencyNotReadyError struct {
	Dependency string
}

func (e *DependencyNotReadyError) Error() string {
	return fmt.Sprintf("dependency not ready: %s", e.Dependency)
}

// MitigationError reports that the mitigation action itself failed at
// the exchange. Carries enough context for the forensic log line.
type MitigationError struct {
	Action  models.MitigationAction
	TradeID string
	Err     error
}

func (e *MitigationError) Error() string {
	return fmt.Sprintf("mitigation %s failed for trade %s: %v", e.Action, e.TradeID, e.Err)
}

func (e *MitigationError) Unwrap() error { return e.Err }
