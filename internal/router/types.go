package router

import (
	"github.com/modelmux/modelmux/internal/audit"
	"github.com/modelmux/modelmux/internal/domain"
)

// Request carries everything one selection needs. Exclude lists provider ids
// the caller already tried and failed this request; the failover loop extends
// it internally between attempts without mutating the caller's map.
type Request struct {
	RequestID string
	SessionID string
	Model     string
	Groups    []string
	Exclude   map[string]bool
}

// Selection is a successful pick. Slot is the admission slot the pick is
// tracked under; the caller releases it when the request finishes, including
// on cancellation after a successful resolve. Trail is the finished decision
// trail, shared with the recorder pipeline: read-only after resolve.
type Selection struct {
	Provider       *domain.Provider
	EffectiveModel string
	Attempt        int
	Reused         bool
	Slot           string
	Trail          *audit.Trail
}

// admissionSlot derives the admission identity: session-scoped when the
// caller has a session, otherwise per-request.
func admissionSlot(req Request) string {
	if req.SessionID != "" {
		return req.SessionID
	}
	return req.RequestID
}
