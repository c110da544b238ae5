package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolingAlwaysAllowed(t *testing.T) {
	for _, edition := range []Edition{EditionCore, EditionEnterprise} {
		for _, mode := range []AuthorityMode{AuthorityReadOnly, AuthorityWriteEnabled} {
			reg := NewRegistry(edition, mode)
			for capID, class := range reg.Capabilities() {
				if class != ClassTooling {
					continue
				}
				d := reg.IsAllowed(capID)
				assert.True(t, d.Allowed, "%s/%s %s", edition, mode, capID)
				assert.Equal(t, ReasonAllowed, d.ReasonCode)
			}
		}
	}
}

func TestAuthorityDeniedOutsideEnterpriseWrite(t *testing.T) {
	cases := []struct {
		edition Edition
		mode    AuthorityMode
		reason  ReasonCode
	}{
		{EditionCore, AuthorityReadOnly, ReasonEditionDeny},
		{EditionCore, AuthorityWriteEnabled, ReasonEditionDeny},
		{EditionEnterprise, AuthorityReadOnly, ReasonAuthorityModeRequired},
	}

	for _, tc := range cases {
		reg := NewRegistry(tc.edition, tc.mode)
		for capID, class := range reg.Capabilities() {
			if class != ClassAuthority {
				continue
			}
			d := reg.IsAllowed(capID)
			assert.False(t, d.Allowed, "%s/%s %s", tc.edition, tc.mode, capID)
			assert.Equal(t, tc.reason, d.ReasonCode)
		}
	}

	reg := NewRegistry(EditionEnterprise, AuthorityWriteEnabled)
	d := reg.IsAllowed(CapMLFusion)
	assert.True(t, d.Allowed)
}

func TestUnknownCapability(t *testing.T) {
	reg := NewRegistry(EditionCore, AuthorityReadOnly)
	d := reg.IsAllowed("no.such.capability")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnknownCapability, d.ReasonCode)
}

func TestFingerprintStable(t *testing.T) {
	reg := NewRegistry(EditionCore, AuthorityReadOnly)
	first := reg.IsAllowed(CapAuditVerify)
	second := reg.IsAllowed(CapAuditVerify)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.NotEmpty(t, first.Fingerprint)

	// Different tuples yield different fingerprints.
	other := NewRegistry(EditionEnterprise, AuthorityWriteEnabled).IsAllowed(CapAuditVerify)
	assert.NotEqual(t, first.Fingerprint, other.Fingerprint)
}

func TestRequireInvokesAuditCallback(t *testing.T) {
	reg := NewRegistry(EditionCore, AuthorityReadOnly)

	var deniedCap string
	err := reg.Require(CapTrustGrant, func(capID string, d Decision) {
		deniedCap = capID
	})
	require.Error(t, err)
	assert.Equal(t, CapTrustGrant, deniedCap)

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonEditionDeny, denied.Decision.ReasonCode)

	// Allowed path never calls the callback.
	called := false
	require.NoError(t, reg.Require(CapAuditVerify, func(string, Decision) { called = true }))
	assert.False(t, called)
}
