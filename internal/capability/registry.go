// Package capability gates operations by edition and authority mode.
//
// Capabilities are tagged either tooling (always allowed) or authority
// (Enterprise edition with write-enabled authority only). The matrix is
// static: it is fixed at compile time and identical for every process of
// a given build.
package capability

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Edition identifies the product edition of this build.
type Edition string

const (
	EditionCore       Edition = "core"
	EditionEnterprise Edition = "enterprise"
)

// AuthorityMode controls whether authority capabilities may take effect.
type AuthorityMode string

const (
	AuthorityReadOnly     AuthorityMode = "read_only"
	AuthorityWriteEnabled AuthorityMode = "write_enabled"
)

// Class partitions capabilities into tooling and authority.
type Class string

const (
	ClassTooling   Class = "tooling"
	ClassAuthority Class = "authority"
)

// ReasonCode explains an allow/deny decision.
type ReasonCode string

const (
	ReasonAllowed               ReasonCode = "ALLOWED"
	ReasonEditionDeny           ReasonCode = "EDITION_DENY"
	ReasonAuthorityModeRequired ReasonCode = "AUTHORITY_MODE_REQUIRED"
	ReasonUnknownCapability     ReasonCode = "UNKNOWN_CAPABILITY"
)

// Capability IDs known to this build.
const (
	CapSessionSupervise   = "session.supervise"
	CapSessionPauseResume = "session.pause_resume"
	CapPolicyValidate     = "policy.validate"
	CapPolicyMigrate      = "policy.migrate"
	CapAuditVerify        = "audit.verify"
	CapAuditArchive       = "audit.archive"
	CapTraceExport        = "trace.export"
	CapDebugBundle        = "debug.bundle"
	CapMLFusion           = "detector.ml_fusion"
	CapAutoReplyWrite     = "policy.auto_reply_write"
	CapTrustGrant         = "workspace.trust_grant"
	CapRemoteStop         = "session.remote_stop"
)

// matrix is the static capability table for this build.
var matrix = map[string]Class{
	CapSessionSupervise:   ClassTooling,
	CapSessionPauseResume: ClassTooling,
	CapPolicyValidate:     ClassTooling,
	CapPolicyMigrate:      ClassTooling,
	CapAuditVerify:        ClassTooling,
	CapAuditArchive:       ClassTooling,
	CapTraceExport:        ClassTooling,
	CapDebugBundle:        ClassTooling,
	CapMLFusion:           ClassAuthority,
	CapAutoReplyWrite:     ClassAuthority,
	CapTrustGrant:         ClassAuthority,
	CapRemoteStop:         ClassAuthority,
}

// Decision is the result of a capability check.
type Decision struct {
	Allowed     bool       `json:"allowed"`
	ReasonCode  ReasonCode `json:"reason_code"`
	Fingerprint string     `json:"fingerprint"`
}

// DeniedError is returned by Require when a capability check fails.
type DeniedError struct {
	Capability string
	Decision   Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("capability %s denied: %s", e.Capability, e.Decision.ReasonCode)
}

// Registry answers capability queries. It is immutable after construction.
type Registry struct {
	edition Edition
	mode    AuthorityMode
}

// NewRegistry builds a registry for the given edition and authority mode.
func NewRegistry(edition Edition, mode AuthorityMode) *Registry {
	return &Registry{edition: edition, mode: mode}
}

// Edition returns the registry's edition.
func (r *Registry) Edition() Edition { return r.edition }

// IsAllowed reports whether the capability may be used under this
// registry's edition and authority mode. Pure: the same inputs always
// produce the same decision and fingerprint.
func (r *Registry) IsAllowed(capID string) Decision {
	class, ok := matrix[capID]
	if !ok {
		return r.decision(capID, false, ReasonUnknownCapability)
	}
	switch class {
	case ClassTooling:
		return r.decision(capID, true, ReasonAllowed)
	case ClassAuthority:
		if r.edition != EditionEnterprise {
			return r.decision(capID, false, ReasonEditionDeny)
		}
		if r.mode != AuthorityWriteEnabled {
			return r.decision(capID, false, ReasonAuthorityModeRequired)
		}
		return r.decision(capID, true, ReasonAllowed)
	}
	return r.decision(capID, false, ReasonUnknownCapability)
}

// Require returns a DeniedError if the capability is not allowed, invoking
// the audit callback on deny. The callback may be nil.
func (r *Registry) Require(capID string, onDeny func(capID string, d Decision)) error {
	d := r.IsAllowed(capID)
	if d.Allowed {
		return nil
	}
	if onDeny != nil {
		onDeny(capID, d)
	}
	return &DeniedError{Capability: capID, Decision: d}
}

// Capabilities returns the full capability table, for `--json` listings.
func (r *Registry) Capabilities() map[string]Class {
	out := make(map[string]Class, len(matrix))
	for id, class := range matrix {
		out[id] = class
	}
	return out
}

// decision builds a Decision with a stable fingerprint over the canonical
// (edition, mode, capability, allowed, reason) tuple.
func (r *Registry) decision(capID string, allowed bool, reason ReasonCode) Decision {
	canonical := fmt.Sprintf("%s|%s|%s|%t|%s", r.edition, r.mode, capID, allowed, reason)
	sum := sha256.Sum256([]byte(canonical))
	return Decision{
		Allowed:     allowed,
		ReasonCode:  reason,
		Fingerprint: hex.EncodeToString(sum[:8]),
	}
}
