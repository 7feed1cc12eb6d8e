package logs

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"log/slog"

	"github.com/shuttle-hq/shuttle-sub001/internal/backend"
	"github.com/shuttle-hq/shuttle-sub001/internal/domain"
	"github.com/shuttle-hq/shuttle-sub001/internal/repository"
	"github.com/shuttle-hq/shuttle-sub001/internal/ws"
)

// ErrNoContainer indicates the project has no container to read logs from.
var ErrNoContainer = errors.New("logs: project has no container")

// Service streams container output to websocket subscribers. One backend
// log stream runs per project while at least one subscriber is attached.
type Service struct {
	projects repository.ProjectRepository
	backend  backend.Backend
	hub      *ws.Hub
	logger   *slog.Logger
	tail     int
	buffer   int

	mu      sync.Mutex
	streams map[string]context.CancelFunc
}

// New returns a log streaming service. buffer sets how many lines each
// follow stream may hold between the backend read and subscriber delivery.
func New(projects repository.ProjectRepository, bk backend.Backend, hub *ws.Hub, logger *slog.Logger, tail, buffer int) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 100
	}
	return &Service{
		projects: projects,
		backend:  bk,
		hub:      hub,
		logger:   logger.With("component", "logs"),
		tail:     tail,
		buffer:   buffer,
		streams:  make(map[string]context.CancelFunc),
	}
}

// Hub exposes the subscriber hub for the websocket handler.
func (s *Service) Hub() *ws.Hub {
	return s.hub
}

// Tail returns recent log output without following.
func (s *Service) Tail(ctx context.Context, project *domain.Project) ([]string, error) {
	handle := containerHandle(project)
	if handle == "" {
		return nil, ErrNoContainer
	}
	rc, err := s.backend.Logs(ctx, handle, false, s.tail)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var lines []string
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// EnsureStream starts a follow stream for the project if none is running.
// The stream stops itself once the last subscriber detaches or the backend
// stream ends.
func (s *Service) EnsureStream(ctx context.Context, project *domain.Project) error {
	handle := containerHandle(project)
	if handle == "" {
		return ErrNoContainer
	}

	s.mu.Lock()
	if _, running := s.streams[project.ID]; running {
		s.mu.Unlock()
		return nil
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s.streams[project.ID] = cancel
	s.mu.Unlock()

	rc, err := s.backend.Logs(streamCtx, handle, true, s.tail)
	if err != nil {
		s.dropStream(project.ID)
		return err
	}

	go s.pump(streamCtx, project.ID, rc)
	return nil
}

// pump reads the backend stream and hands lines to a delivery goroutine
// through a bounded buffer, so a slow subscriber cannot stall the backend
// read. When the buffer fills the oldest line is shed.
func (s *Service) pump(ctx context.Context, projectID string, rc io.ReadCloser) {
	defer s.dropStream(projectID)
	defer rc.Close()

	lines := make(chan []byte, s.buffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for line := range lines {
			s.hub.Broadcast(projectID, line)
			if s.hub.Subscribers(projectID) == 0 {
				// Last subscriber detached; cancel the stream. The
				// reader keeps shedding into the buffer until the
				// backend read unblocks.
				s.dropStream(projectID)
				return
			}
		}
	}()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := append([]byte(nil), scanner.Bytes()...)
		select {
		case lines <- line:
		default:
			// Buffer full: shed the oldest line and keep reading.
			select {
			case <-lines:
			default:
			}
			select {
			case lines <- line:
			default:
			}
		}
	}
	close(lines)
	<-done

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Warn("log stream ended", "project_id", projectID, "error", err)
	}
}

func (s *Service) dropStream(projectID string) {
	s.mu.Lock()
	if cancel, ok := s.streams[projectID]; ok {
		delete(s.streams, projectID)
		s.mu.Unlock()
		cancel()
		return
	}
	s.mu.Unlock()
}

// Close stops every running stream.
func (s *Service) Close() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.streams))
	for id, cancel := range s.streams {
		cancels = append(cancels, cancel)
		delete(s.streams, id)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func containerHandle(project *domain.Project) string {
	if project == nil {
		return ""
	}
	if project.State.ContainerID != "" {
		return project.State.ContainerID
	}
	return project.State.PrevContainerID
}
