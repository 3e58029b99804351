package api

import (
	"time"

	log "github.com/sirupsen/logrus"
)

type opMetrics struct {
	logger    *log.Logger
	start     time.Time
	op        string
	projectID string
}

func newOpMetrics(logger *log.Logger, op, projectID string) *opMetrics {
	return &opMetrics{
		logger:    logger,
		start:     time.Now(),
		op:        op,
		projectID: projectID,
	}
}

func (m *opMetrics) Log(a ack) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"op":       m.op,
		"ok":       a.Ok,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.projectID != "" {
		fields["project"] = m.projectID
	}
	if a.Code != "" {
		fields["code"] = a.Code
	}
	if a.Accepted != nil {
		fields["accepted"] = *a.Accepted
	}

	m.logger.WithFields(fields).Debug("socket.op.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
