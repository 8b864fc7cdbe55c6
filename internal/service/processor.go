package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/meter-sync/internal/logging"
	"github.com/septivank/meter-sync/internal/reading"
	"github.com/septivank/meter-sync/tools/timeparser"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SyncBatchMessage is the ingest request published by the device gateway
type SyncBatchMessage struct {
	RequestID  string        `json:"request_id"`
	DeviceID   string        `json:"device_id"`
	ReceivedAt time.Time     `json:"received_at"`
	Readings   []ReadingData `json:"readings"`
}

// ReadingData is one reading as captured offline. Timestamps are in any
// format the field devices emit.
type ReadingData struct {
	IdempotencyKey   string   `json:"idempotency_key"`
	MeterID          string   `json:"meter_id"`
	Value            string   `json:"value"`
	CapturedAt       string   `json:"captured_at"`
	DeviceClock      string   `json:"device_clock,omitempty"`
	Latitude         *float64 `json:"latitude,omitempty"`
	Longitude        *float64 `json:"longitude,omitempty"`
	AccuracyMeters   *float64 `json:"accuracy_meters,omitempty"`
	Photos           []string `json:"photos"`
	ObservedRevision *int64   `json:"observed_revision,omitempty"`
}

// SyncBatchReply answers a SyncBatchMessage, one result per reading in order
type SyncBatchReply struct {
	RequestID string           `json:"request_id"`
	DeviceID  string           `json:"device_id"`
	Results   []reading.Result `json:"results"`
}

// Ingester resolves candidate batches
type Ingester interface {
	IngestBatch(ctx context.Context, deviceID string, candidates []reading.Candidate) ([]reading.Result, error)
}

// ProcessorService turns sync batch messages into ingest calls
type ProcessorService struct {
	ingester Ingester
	logger   *zap.Logger
}

// NewProcessorService creates a new processor service
func NewProcessorService(ingester Ingester, logger *zap.Logger) *ProcessorService {
	return &ProcessorService{
		ingester: ingester,
		logger:   logger,
	}
}

// ProcessMessage handles one sync batch and returns the encoded reply.
// Envelope errors are returned so the message is dead-lettered; an interrupted
// batch returns the context error so it is redelivered and answered from the
// dedup index.
func (s *ProcessorService) ProcessMessage(ctx context.Context, body []byte) ([]byte, error) {
	var msg SyncBatchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync batch: %w", err)
	}

	reqLogger := logging.WithDevice(logging.WithRequestID(s.logger, msg.RequestID), msg.DeviceID)
	reqLogger.Info("processing sync batch", zap.Int("reading_count", len(msg.Readings)))

	results := make([]*reading.Result, len(msg.Readings))
	candidates := make([]reading.Candidate, 0, len(msg.Readings))
	positions := make([]int, 0, len(msg.Readings))
	for i, rd := range msg.Readings {
		c, err := toCandidate(rd)
		if err != nil {
			reqLogger.Debug("undecodable reading", zap.Error(err), zap.String("idempotency_key", rd.IdempotencyKey))
			res := reading.Result{
				IdempotencyKey: rd.IdempotencyKey,
				Outcome:        reading.OutcomeRejectedInvalid,
				Reason:         err.Error(),
			}
			if id, perr := uuid.Parse(rd.MeterID); perr == nil {
				res.MeterID = id
			}
			results[i] = &res
			continue
		}
		if skew := timeparser.ClockSkew(c.DeviceClock, msg.ReceivedAt); skew != 0 && !msg.ReceivedAt.IsZero() {
			reqLogger.Debug("device clock skew", zap.Duration("skew", skew), zap.String("idempotency_key", c.IdempotencyKey))
		}
		candidates = append(candidates, c)
		positions = append(positions, i)
	}

	resolved, err := s.ingester.IngestBatch(ctx, msg.DeviceID, candidates)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			reqLogger.Warn("sync batch interrupted, leaving it for redelivery",
				zap.Int("committed", len(resolved)),
				zap.Int("submitted", len(candidates)),
			)
		}
		return nil, fmt.Errorf("failed to ingest sync batch: %w", err)
	}

	// resolved is in submission order, so it lines up with positions
	for j := range resolved {
		results[positions[j]] = &resolved[j]
	}

	reply := SyncBatchReply{
		RequestID: msg.RequestID,
		DeviceID:  msg.DeviceID,
		Results:   make([]reading.Result, 0, len(results)),
	}
	counts := make(map[reading.Outcome]int)
	for _, res := range results {
		reply.Results = append(reply.Results, *res)
		counts[res.Outcome]++
	}

	reqLogger.Info("sync batch processed",
		zap.Int("accepted", counts[reading.OutcomeAcceptedNew]+counts[reading.OutcomeAcceptedOverride]),
		zap.Int("merged", counts[reading.OutcomeMerged]),
		zap.Int("rejected", counts[reading.OutcomeRejectedStale]+counts[reading.OutcomeRejectedInvalid]),
		zap.Int("retryable", counts[reading.OutcomeConflictBusy]+counts[reading.OutcomeStorageUnavailable]),
	)

	out, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync reply: %w", err)
	}
	return out, nil
}

func toCandidate(rd ReadingData) (reading.Candidate, error) {
	meterID, err := uuid.Parse(rd.MeterID)
	if err != nil {
		return reading.Candidate{}, fmt.Errorf("meter_id: %w", err)
	}

	value, err := decimal.NewFromString(rd.Value)
	if err != nil {
		return reading.Candidate{}, fmt.Errorf("value: %w", err)
	}

	capturedAt, err := timeparser.ParseDeviceTimestamp(rd.CapturedAt)
	if err != nil {
		return reading.Candidate{}, fmt.Errorf("captured_at: %w", err)
	}

	var deviceClock time.Time
	if rd.DeviceClock != "" {
		if deviceClock, err = timeparser.ParseDeviceTimestamp(rd.DeviceClock); err != nil {
			return reading.Candidate{}, fmt.Errorf("device_clock: %w", err)
		}
	}

	c := reading.Candidate{
		IdempotencyKey:   rd.IdempotencyKey,
		MeterID:          meterID,
		Value:            value,
		CapturedAt:       capturedAt,
		DeviceClock:      deviceClock,
		Photos:           rd.Photos,
		ObservedRevision: rd.ObservedRevision,
	}
	if rd.Latitude != nil && rd.Longitude != nil {
		c.Geo = &reading.Geo{
			Latitude:       *rd.Latitude,
			Longitude:      *rd.Longitude,
			AccuracyMeters: rd.AccuracyMeters,
		}
	}
	return c, nil
}
