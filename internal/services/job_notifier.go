package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/MikeL71221ibpm/iBPM-sub002/internal/clients/redis"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/domain"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/platform/logger"
	"github.com/MikeL71221ibpm/iBPM-sub002/internal/sse"
)

// JobNotifier publishes job-state snapshots to the owner's channel.
// Fire-and-forget: the hub drops messages for slow subscribers and the
// optional Redis bus failing is logged, never propagated to the pipeline.
type JobNotifier interface {
	JobCreated(ownerID uuid.UUID, job *domain.ExtractionJob)
	JobProgress(ownerID uuid.UUID, job *domain.ExtractionJob)
	JobFailed(ownerID uuid.UUID, job *domain.ExtractionJob)
	JobStopped(ownerID uuid.UUID, job *domain.ExtractionJob)
	JobDone(ownerID uuid.UUID, job *domain.ExtractionJob)
}

type jobNotifier struct {
	log *logger.Logger
	hub *sse.SSEHub
	bus redis.SSEBus // nil when REDIS_ADDR is unset
}

func NewJobNotifier(baseLog *logger.Logger, hub *sse.SSEHub, bus redis.SSEBus) JobNotifier {
	return &jobNotifier{
		log: baseLog.With("service", "JobNotifier"),
		hub: hub,
		bus: bus,
	}
}

func (n *jobNotifier) emit(ownerID uuid.UUID, event sse.SSEEvent, job *domain.ExtractionJob) {
	msg := sse.SSEMessage{
		Channel: ownerID.String(),
		Event:   event,
		Data: map[string]any{
			"job_id":   job.ID,
			"status":   job.Status,
			"stage":    job.Stage,
			"progress": job.Progress,
			"message":  job.Message,
			"job":      job,
		},
	}
	n.hub.Broadcast(msg)
	if n.bus != nil {
		if err := n.bus.Publish(context.Background(), msg); err != nil {
			n.log.Warn("Redis publish failed", "event", event, "error", err)
		}
	}
}

func (n *jobNotifier) JobCreated(ownerID uuid.UUID, job *domain.ExtractionJob) {
	n.emit(ownerID, sse.SSEEventJobCreated, job)
}

func (n *jobNotifier) JobProgress(ownerID uuid.UUID, job *domain.ExtractionJob) {
	n.emit(ownerID, sse.SSEEventJobProgress, job)
}

func (n *jobNotifier) JobFailed(ownerID uuid.UUID, job *domain.ExtractionJob) {
	n.emit(ownerID, sse.SSEEventJobFailed, job)
}

func (n *jobNotifier) JobStopped(ownerID uuid.UUID, job *domain.ExtractionJob) {
	n.emit(ownerID, sse.SSEEventJobStopped, job)
}

func (n *jobNotifier) JobDone(ownerID uuid.UUID, job *domain.ExtractionJob) {
	n.emit(ownerID, sse.SSEEventJobDone, job)
}
