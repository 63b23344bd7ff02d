package ingest

import (
	"context"
	"errors"
	"log/slog"

	"bus-tracker/internal/fleet"
)

// HandleTelemetry is the subscription callback. It only decodes and hands
// off; the store write runs on its own goroutine so delivery of later
// messages is never blocked. Failed messages are dropped, not retried.
func (s *Service) HandleTelemetry(subject string, data []byte) {
	if s.metrics != nil {
		s.metrics.TelemetryReceived()
	}
	if s.logSubjects {
		slog.Info("telemetry received", "subject", subject, "bytes", len(data))
	}
	rep, err := DecodeTelemetry(s.pattern, subject, data, s.now())
	if err != nil {
		if s.metrics != nil {
			s.metrics.TelemetryMalformed()
		}
		slog.Warn("dropping telemetry", "subject", subject, "err", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.dropped("shutdown", rep)
		return
	}
	if !s.sem.TryAcquire(1) {
		s.mu.Unlock()
		s.dropped("saturated", rep)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.InFlight(1)
	}
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer func() {
			if s.metrics != nil {
				s.metrics.InFlight(-1)
			}
		}()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("telemetry worker panic", "bus", rep.BusID, "panic", r)
			}
		}()
		s.applyTelemetry(rep)
	}()
}

func (s *Service) applyTelemetry(rep fleet.LocationReport) {
	ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout)
	defer cancel()
	if _, err := s.apply(ctx, rep); err != nil {
		if s.metrics != nil {
			s.metrics.StoreError(fleet.SourceTelemetry)
		}
		s.dropped("store_error", rep)
		slog.Error("telemetry update failed", "bus", rep.BusID, "err", err)
	}
}

func (s *Service) dropped(reason string, rep fleet.LocationReport) {
	if s.metrics != nil {
		s.metrics.TelemetryDropped(reason)
	}
	if reason != "store_error" {
		slog.Warn("telemetry dropped", "bus", rep.BusID, "reason", reason)
	}
}

// Close stops accepting telemetry and waits for in-flight reports.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("telemetry workers still running"), ctx.Err())
	}
}
