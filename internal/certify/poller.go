package certify

import (
	"context"
	"log/slog"
	"time"

	"veridoc/internal/ledger"
	"veridoc/internal/ledger/event"
)

// Poller resolves pending anchors in the background. Each pass lists
// unresolved submissions, asks the owning provider for job status, and
// appends anchor.confirmed or anchor.failed. Protection tiers move only when
// a confirmation lands in the ledger.
type Poller struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
}

func NewPoller(svc *Service, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Poller{svc: svc, interval: interval, logger: logger}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ResolvePending(ctx)
		}
	}
}

// ResolvePending runs one resolution pass. Exported so tests and operational
// tooling can trigger a pass without the ticker.
func (p *Poller) ResolvePending(ctx context.Context) {
	pending, err := p.svc.ledger.PendingAnchors(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "list pending anchors", "error", err)
		return
	}
	for _, item := range pending {
		p.resolve(ctx, item)
	}
}

func (p *Poller) resolve(ctx context.Context, item ledger.PendingAnchor) {
	provider, ok := p.svc.providers[item.Record.Network]
	if !ok {
		p.logger.WarnContext(ctx, "pending anchor on unknown network",
			"entity_id", item.EntityID, "network", item.Record.Network)
		return
	}

	statusCtx, cancel := context.WithTimeout(ctx, p.svc.submitTimeout)
	status, err := provider.Status(statusCtx, item.Record.JobID)
	cancel()
	if err != nil {
		// Transient; the job stays pending for the next pass.
		p.logger.WarnContext(ctx, "anchor status poll failed",
			"entity_id", item.EntityID, "job_id", item.Record.JobID, "error", err)
		return
	}

	record := item.Record
	switch status.State {
	case AnchorStateConfirmed:
		record.Status = AnchorStateConfirmed
		record.TxID = status.TxID
		if _, err := p.svc.ledger.Append(ctx, item.EntityID, event.Event{
			Kind:    event.KindAnchorConfirmed,
			Payload: record,
		}, sourceCertify); err != nil {
			p.logger.ErrorContext(ctx, "record anchor confirmation",
				"entity_id", item.EntityID, "error", err)
			return
		}
		if p.svc.metrics != nil {
			p.svc.metrics.AnchorsConfirmed.WithLabelValues(record.Network).Inc()
		}
		p.logger.InfoContext(ctx, "anchor confirmed",
			"entity_id", item.EntityID, "network", record.Network, "tx_id", status.TxID)
	case AnchorStateFailed:
		record.Status = AnchorStateFailed
		record.Reason = status.Reason
		if _, err := p.svc.ledger.Append(ctx, item.EntityID, event.Event{
			Kind:    event.KindAnchorFailed,
			Payload: record,
		}, sourceCertify); err != nil {
			p.logger.ErrorContext(ctx, "record anchor failure",
				"entity_id", item.EntityID, "error", err)
			return
		}
		if p.svc.metrics != nil {
			p.svc.metrics.AnchorsFailed.WithLabelValues(record.Network).Inc()
		}
	default:
		// Still pending.
	}
}
