package certify

import (
	"context"

	"veridoc/internal/ledger"
	"veridoc/internal/ledger/event"
	dErrors "veridoc/pkg/domain-errors"
)

// SubmitAnchor submits a document's witness hash to one blockchain network.
//
// Submission requires a confirmed legal timestamp for the exact witness hash;
// without one the call fails with a retryable precondition error and nothing
// is appended. Gateway acceptance appends anchor.submitted with status
// pending; gateway failure appends anchor.failed. Duplicate submissions with
// the same (hash, network, stage, step) are absorbed by the ledger's
// idempotence and report success.
func (s *Service) SubmitAnchor(ctx context.Context, entityID, network string, stage event.Stage, stepIndex int) error {
	ctx, span := s.tracer.Start(ctx, "certify.SubmitAnchor")
	defer span.End()

	provider, ok := s.providers[network]
	if !ok {
		return dErrors.Newf(dErrors.CodeBadRequest, "unknown anchor network %q", network)
	}
	if stage.Rank() < 0 {
		return dErrors.Newf(dErrors.CodeBadRequest, "unknown anchor stage %q", stage)
	}

	doc, state, events, err := s.ledger.GetDocument(ctx, entityID)
	if err != nil {
		return err
	}
	witnessHash := state.WitnessHash

	if !ledger.HasConfirmedTimestamp(events, witnessHash) {
		return dErrors.New(dErrors.CodeAnchorPrecondition,
			"anchoring requires a confirmed legal timestamp for the witness hash").
			WithDetails(map[string]any{
				"entity_id":    entityID,
				"witness_hash": witnessHash,
				"network":      network,
			})
	}

	record := event.AnchorRecord{
		Network:     network,
		WitnessHash: witnessHash,
		AnchorStage: stage,
		StepIndex:   stepIndex,
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()
	jobID, submitErr := provider.Submit(submitCtx, witnessHash, doc.Metadata)
	if submitErr != nil {
		record.Status = AnchorStateFailed
		record.Reason = submitErr.Error()
		if _, err := s.ledger.Append(ctx, entityID, event.Event{
			Kind:    event.KindAnchorFailed,
			Payload: record,
		}, sourceCertify); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.AnchorsFailed.WithLabelValues(network).Inc()
		}
		return dErrors.Wrap(submitErr, dErrors.CodeUnavailable, "anchor submission failed")
	}

	record.Status = AnchorStatePending
	record.JobID = jobID
	if _, err := s.ledger.Append(ctx, entityID, event.Event{
		Kind:    event.KindAnchorSubmitted,
		Payload: record,
	}, sourceCertify); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.AnchorsSubmitted.WithLabelValues(network).Inc()
	}
	s.logger.InfoContext(ctx, "anchor submitted",
		"entity_id", entityID, "network", network, "job_id", jobID)
	return nil
}
