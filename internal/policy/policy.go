// Package policy gates protection requests before they reach the ledger.
// All checks are pure and synchronous: they receive the new request plus the
// most recent prior request and return a coded error or nil. No I/O.
package policy

import (
	"log/slog"

	"veridoc/internal/ledger/event"
	dErrors "veridoc/pkg/domain-errors"
)

// OverrideSpecialCase is the only policy_override value that bypasses the
// minimum-evidence rule. The bypass is logged, never silent.
const OverrideSpecialCase = "special_case"

// EvidenceTSA is the legal-timestamp evidence tag required by default.
const EvidenceTSA = "tsa"

// Validate runs B1, B2 and B3 in order and fails on the first violation.
// prior is the most recent earlier protection request, or nil if this is the
// first one for the entity.
func Validate(eventID string, req event.ProtectionRequest, prior *event.ProtectionRequest, logger *slog.Logger) error {
	if err := ValidateNonEmpty(eventID, req); err != nil {
		return err
	}
	if err := ValidateMonotonicity(eventID, req, prior); err != nil {
		return err
	}
	return ValidateMinimumEvidence(eventID, req, logger)
}

// ValidateNonEmpty is rule B1: required_evidence must be a non-empty list.
func ValidateNonEmpty(eventID string, req event.ProtectionRequest) error {
	if len(req.RequiredEvidence) == 0 {
		return dErrors.New(dErrors.CodePolicyNonEmpty, "required_evidence must be a non-empty list").
			WithDetails(map[string]any{
				"event_id":          eventID,
				"required_evidence": req.RequiredEvidence,
			})
	}
	return nil
}

// ValidateMonotonicity is rule B2: within a stage the evidence set is frozen;
// across stages it may only grow; stage regressions are rejected
// unconditionally.
func ValidateMonotonicity(eventID string, req event.ProtectionRequest, prior *event.ProtectionRequest) error {
	if req.AnchorStage.Rank() < 0 {
		return dErrors.Newf(dErrors.CodePolicyMonotonicity, "unknown anchor_stage %q", req.AnchorStage).
			WithDetails(map[string]any{
				"event_id":     eventID,
				"anchor_stage": string(req.AnchorStage),
			})
	}
	if prior == nil {
		return nil
	}

	details := map[string]any{
		"event_id":       eventID,
		"prior_stage":    string(prior.AnchorStage),
		"new_stage":      string(req.AnchorStage),
		"prior_evidence": prior.RequiredEvidence,
		"new_evidence":   req.RequiredEvidence,
	}

	switch {
	case req.AnchorStage.Rank() < prior.AnchorStage.Rank():
		return dErrors.New(dErrors.CodePolicyMonotonicity, "anchor_stage regression").
			WithDetails(details)
	case req.AnchorStage == prior.AnchorStage:
		if !equalEvidence(prior.RequiredEvidence, req.RequiredEvidence) {
			return dErrors.New(dErrors.CodePolicyMonotonicity, "evidence set is frozen within a stage").
				WithDetails(details)
		}
	default:
		if !supersetOf(req.RequiredEvidence, prior.RequiredEvidence) {
			return dErrors.New(dErrors.CodePolicyMonotonicity, "evidence may only accumulate across stages").
				WithDetails(details)
		}
	}
	return nil
}

// ValidateMinimumEvidence is rule B3: tsa must be requested unless the
// special-case override is supplied, in which case the bypass is logged.
func ValidateMinimumEvidence(eventID string, req event.ProtectionRequest, logger *slog.Logger) error {
	for _, e := range req.RequiredEvidence {
		if e == EvidenceTSA {
			return nil
		}
	}
	if req.PolicyOverride == OverrideSpecialCase {
		if logger != nil {
			logger.Warn("minimum evidence bypassed by policy override",
				"event_id", eventID,
				"policy_override", req.PolicyOverride,
				"required_evidence", req.RequiredEvidence,
			)
		}
		return nil
	}
	return dErrors.New(dErrors.CodePolicyMinimum, "required_evidence must include tsa").
		WithDetails(map[string]any{
			"event_id":          eventID,
			"required_evidence": req.RequiredEvidence,
			"policy_override":   req.PolicyOverride,
		})
}

// equalEvidence compares the sets element for element in order. Within a
// stage even a reordering counts as an edit and is rejected.
func equalEvidence(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func supersetOf(superset, subset []string) bool {
	have := make(map[string]struct{}, len(superset))
	for _, e := range superset {
		have[e] = struct{}{}
	}
	for _, e := range subset {
		if _, ok := have[e]; !ok {
			return false
		}
	}
	return true
}
