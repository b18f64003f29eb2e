package transaction

import (
	"weak"

	"github.com/flowpbx/iaxd/internal/iax/hostiface"
)

// OwnerHandle is a weak back-pointer from a transaction to its owning call
// object (§5 "Transactions hold a back-pointer to their owner ... the
// back-pointer MUST be weak", to avoid a reference cycle that would keep a
// hung-up call's application object alive forever). The embedder keeps the
// only strong reference, typically as a field of its own call struct; once
// that struct is collected, Get reports ok=false and the transaction stops
// delivering events.
type OwnerHandle struct {
	ptr weak.Pointer[hostiface.CallOwner]
}

// NewOwnerHandle wraps a weak reference to *owner. The caller retains owner
// and must keep it reachable for as long as events should be delivered.
func NewOwnerHandle(owner *hostiface.CallOwner) OwnerHandle {
	return OwnerHandle{ptr: weak.Make(owner)}
}

// Get resolves the handle, returning ok=false if the owner has been
// collected.
func (h OwnerHandle) Get() (hostiface.CallOwner, bool) {
	p := h.ptr.Value()
	if p == nil {
		return nil, false
	}
	return *p, true
}
