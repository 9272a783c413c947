package media

import (
	"fmt"
	"strings"
)

// Policy is the media ingestion gate configuration.
type Policy struct {
	Enabled             bool
	AllowedMimeTypes    []string // entries ending in "/" are prefix matches
	MaxBytesPerItem     int64
	MaxItemsPerMessage  int
	QuarantineUnknownMime bool
	RejectOverLimit     bool
}

// Evaluate runs the gate in order and returns the decision with its reason.
// A size exactly equal to the limit passes.
func (p Policy) Evaluate(req RegisterRequest) (decision, reason string) {
	if !p.Enabled {
		return DecisionAllow, "pipeline disabled"
	}
	if p.MaxItemsPerMessage > 0 && req.ItemCountInMessage > p.MaxItemsPerMessage {
		return DecisionReject, fmt.Sprintf("message carries %d items, limit %d",
			req.ItemCountInMessage, p.MaxItemsPerMessage)
	}
	if p.MaxBytesPerItem > 0 && req.SizeBytes > p.MaxBytesPerItem {
		reason = fmt.Sprintf("%d bytes over limit %d", req.SizeBytes, p.MaxBytesPerItem)
		if p.RejectOverLimit {
			return DecisionReject, reason
		}
		return DecisionQuarantine, reason
	}
	if p.mimeAllowed(req.MimeType) {
		return DecisionAllow, ""
	}
	reason = fmt.Sprintf("mime type %q not in allowlist", req.MimeType)
	if p.QuarantineUnknownMime {
		return DecisionQuarantine, reason
	}
	return DecisionAllow, ""
}

func (p Policy) mimeAllowed(mime string) bool {
	for _, allowed := range p.AllowedMimeTypes {
		if strings.HasSuffix(allowed, "/") {
			if strings.HasPrefix(mime, allowed) {
				return true
			}
		} else if mime == allowed {
			return true
		}
	}
	return false
}
