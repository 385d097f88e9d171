package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/web-casa/dockwatch/internal/apperrors"
	"github.com/web-casa/dockwatch/internal/docker"
	"github.com/web-casa/dockwatch/internal/events"
	"github.com/web-casa/dockwatch/internal/model"
)

// Container actions accepted by ContainerAction.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionRebuild = "rebuild"
	ActionDelete  = "delete"
)

var actionStates = map[string]string{
	ActionStart:   model.StateRunning,
	ActionStop:    model.StateStopped,
	ActionRestart: model.StateRunning,
	ActionRebuild: model.StateRunning,
	ActionDelete:  model.StateDeleted,
}

// IsContainerAction reports whether action is supported by ContainerAction.
func IsContainerAction(action string) bool {
	_, ok := actionStates[action]
	return ok
}

// Engine is the subset of the Docker client used by the service and the
// realtime server. *docker.Client implements it.
type Engine interface {
	ListContainers(ctx context.Context) ([]model.Container, error)
	InspectContainer(ctx context.Context, id string) (*model.Container, error)
	ContainerLogs(ctx context.Context, id string, tail int) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RestartContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	RebuildContainer(ctx context.Context, id string) (string, error)
	ListImages(ctx context.Context) ([]model.Image, error)
	RemoveImage(ctx context.Context, id string, force bool) error
	ImageHistory(ctx context.Context, id string) ([]model.ImageHistoryEntry, error)
	Prune(ctx context.Context, kind string) (*model.PruneReport, error)
	Events(ctx context.Context) (<-chan docker.ContainerEvent, <-chan error)
	StreamLogs(ctx context.Context, id string, tail int) (<-chan string, <-chan error)
	StreamStats(ctx context.Context, id string) (<-chan model.StatsSample, <-chan error)
}

// Actor identifies who triggered a mutating operation, for the audit log.
type Actor struct {
	Username  string
	IP        string
	RequestID string
}

// DockerService implements container and image operations on top of Engine.
// Mutations are audited and published on the event bus.
type DockerService struct {
	engine Engine
	db     *gorm.DB
	bus    *events.Bus
	logger *slog.Logger

	// RetryDelay is the pause before the watcher re-opens a failed event stream.
	RetryDelay time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDockerService creates a DockerService.
func NewDockerService(engine Engine, db *gorm.DB, bus *events.Bus, logger *slog.Logger) *DockerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerService{
		engine:     engine,
		db:         db,
		bus:        bus,
		logger:     logger.With("module", "service"),
		RetryDelay: 5 * time.Second,
	}
}

// Engine returns the underlying engine, used by the realtime server for streams.
func (s *DockerService) Engine() Engine {
	return s.engine
}

// ListContainers returns all containers.
func (s *DockerService) ListContainers(ctx context.Context) ([]model.Container, error) {
	return s.engine.ListContainers(ctx)
}

// ContainerLogs returns the last tail log lines of a container.
func (s *DockerService) ContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	return s.engine.ContainerLogs(ctx, id, tail)
}

// ContainerAction runs one of the container actions and publishes the
// resulting state.
func (s *DockerService) ContainerAction(ctx context.Context, id, action string, actor Actor) error {
	state, ok := actionStates[action]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidAction, action)
	}

	targetID := id
	var err error
	switch action {
	case ActionStart:
		err = s.engine.StartContainer(ctx, id)
	case ActionStop:
		err = s.engine.StopContainer(ctx, id)
	case ActionRestart:
		err = s.engine.RestartContainer(ctx, id)
	case ActionDelete:
		err = s.engine.RemoveContainer(ctx, id)
	case ActionRebuild:
		var newID string
		newID, err = s.engine.RebuildContainer(ctx, id)
		if err == nil {
			// The old container is gone; clients drop it and pick up the new one.
			s.publishState(ctx, id, model.StateDeleted, "action")
			targetID = newID
		}
	}

	s.audit(action, "container", id, actor, err)
	if err != nil {
		s.logger.Error("container action failed", "action", action, "container", id, "error", err)
		return err
	}
	s.logger.Info("container action", "action", action, "container", id)
	s.publishState(ctx, targetID, state, "action")
	return nil
}

// ListImages returns all local images.
func (s *DockerService) ListImages(ctx context.Context) ([]model.Image, error) {
	return s.engine.ListImages(ctx)
}

// RemoveImage deletes an image.
func (s *DockerService) RemoveImage(ctx context.Context, id string, force bool, actor Actor) error {
	err := s.engine.RemoveImage(ctx, id, force)
	s.audit("delete", "image", id, actor, err)
	if err != nil {
		s.logger.Error("image removal failed", "image", id, "error", err)
		return err
	}
	s.logger.Info("image removed", "image", id, "force", force)
	return nil
}

// ImageHistory returns the layer history of an image.
func (s *DockerService) ImageHistory(ctx context.Context, id string) ([]model.ImageHistoryEntry, error) {
	return s.engine.ImageHistory(ctx, id)
}

// Prune removes unused objects of kind.
func (s *DockerService) Prune(ctx context.Context, kind string, actor Actor) (*model.PruneReport, error) {
	switch kind {
	case docker.PruneContainers, docker.PruneImages, docker.PruneVolumes, docker.PruneNetworks:
	default:
		return nil, &apperrors.ValidationError{Field: "kind", Message: "Invalid prune kind: " + kind}
	}
	report, err := s.engine.Prune(ctx, kind)
	s.audit("prune", "prune", kind, actor, err)
	if err != nil {
		return nil, err
	}
	if kind == docker.PruneContainers {
		for _, id := range report.Deleted {
			s.publish(model.Container{ID: id, State: model.StateDeleted}, "action")
		}
	}
	return report, nil
}

// publishState publishes the fresh container when the engine can inspect it,
// and a minimal record otherwise. Deleted containers are never inspected.
func (s *DockerService) publishState(ctx context.Context, id, state, source string) {
	ctr := model.Container{ID: id, State: state}
	if state != model.StateDeleted {
		if fresh, err := s.engine.InspectContainer(ctx, id); err == nil {
			ctr = *fresh
			ctr.State = state
		} else {
			s.logger.Debug("inspect after state change failed", "container", id, "error", err)
		}
	}
	s.publish(ctr, source)
}

func (s *DockerService) publish(ctr model.Container, source string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:    events.TopicContainerState,
		Payload: ctr,
		Source:  source,
	})
}

func (s *DockerService) audit(action, kind, id string, actor Actor, err error) {
	if s.db == nil {
		return
	}
	entry := &model.AuditLog{
		Action:     action,
		TargetKind: kind,
		TargetID:   id,
		Success:    err == nil,
		Username:   actor.Username,
		IP:         actor.IP,
		RequestID:  actor.RequestID,
	}
	if err != nil {
		entry.Detail = err.Error()
	}
	if dbErr := s.db.Create(entry).Error; dbErr != nil {
		s.logger.Warn("failed to write audit log", "action", action, "error", dbErr)
	}
}

// ── Event watcher ──

// Start runs Watch in the background until Stop is called.
func (s *DockerService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		s.Watch(ctx)
	}(s.done)
	s.logger.Info("docker event watcher started")
}

// Stop cancels the watcher and waits for it to exit.
func (s *DockerService) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("docker event watcher stopped")
}

// Watch consumes Docker events and publishes mapped state changes until ctx is
// done. A failed event stream is re-opened after RetryDelay.
func (s *DockerService) Watch(ctx context.Context) {
	for {
		err := s.watchOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("docker event stream failed, retrying", "error", err, "delay", s.RetryDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.RetryDelay):
		}
	}
}

func (s *DockerService) watchOnce(ctx context.Context) error {
	evs, errs := s.engine.Events(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-evs:
			if !ok {
				// Drain the error channel for the failure reason.
				if err, ok := <-errs; ok {
					return err
				}
				return nil
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *DockerService) handleEvent(ctx context.Context, ev docker.ContainerEvent) {
	if !docker.IsKnownEvent(ev.Action) {
		return
	}
	state := docker.MapEventToState(ev.Action)
	s.logger.Debug("docker event", "action", ev.Action, "container", ev.ContainerID, "state", state)
	s.publishState(ctx, ev.ContainerID, state, "watcher")
}
