package shipments

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vitrinelive/vitrine/internal/metrics"
)

// Sweeper retries shipments whose Boxtal order creation failed after a
// successful payment, using the order payload preserved on the row. It
// turns the manual-recovery path into a background completion job.
type Sweeper struct {
	shipments ShipmentStore
	carrier   Carrier
	interval  time.Duration
}

// NewSweeper builds a sweeper. A zero interval defaults to 15 minutes.
func NewSweeper(shipments ShipmentStore, carrier Carrier, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Sweeper{shipments: shipments, carrier: carrier, interval: interval}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce attempts every stuck shipment once and reports how many were
// completed.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	stuck, err := s.shipments.ListStuck(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list stuck shipments")
		return 0
	}
	if len(stuck) == 0 {
		return 0
	}
	log.Info().Int("count", len(stuck)).Msg("Retrying stuck shipments")

	completed := 0
	for _, sh := range stuck {
		order, err := s.carrier.CreateOrder(ctx, sh.BoxtalShippingJSON)
		if err != nil {
			log.Warn().Err(err).Int64("shipment", sh.ID).Str("payment", sh.PaymentID).
				Msg("Stuck shipment retry failed")
			continue
		}
		if err := s.shipments.SetBoxtalOrder(ctx, sh.ID, order.ID, order.Status); err != nil {
			// The Boxtal order now exists but the row still looks stuck; the
			// next sweep would duplicate it, so this is worth a loud log.
			log.Error().Err(err).Int64("shipment", sh.ID).Str("order", order.ID).
				Msg("Created Boxtal order but failed to record it")
			continue
		}
		metrics.ShipmentsCreatedTotal.WithLabelValues("recovered").Inc()
		completed++
	}
	return completed
}
