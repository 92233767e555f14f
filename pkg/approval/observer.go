package approval

import "github.com/milaidy/autonomy-kernel/pkg/contracts"

// Observer receives approval lifecycle notifications. Implementations must
// be fast and non-blocking; they are invoked synchronously on the request
// and resolution paths.
type Observer interface {
	ApprovalRequested(req contracts.ApprovalRequest)
	ApprovalResolved(req contracts.ApprovalRequest, res contracts.ApprovalResult)
}

// NopObserver is the default Observer; it drops all notifications.
type NopObserver struct{}

func (NopObserver) ApprovalRequested(contracts.ApprovalRequest)                          {}
func (NopObserver) ApprovalResolved(contracts.ApprovalRequest, contracts.ApprovalResult) {}
