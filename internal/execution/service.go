package execution

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/agentworkforce/relaynote/internal/remote"
)

const (
	VenvReady        = "ready"
	ContainerRunning = "running"
)

// Error codes the execution service uses for a missing environment.
const (
	CodeNoEnvironment = "no_environment"
	CodeNoSession     = "no_session"
)

// Status is the execution service's view of a room's environment.
type Status struct {
	Venv      string `json:"venv"`
	Container string `json:"container"`
}

// Ready is the only readiness gate: a ready venv in a running container.
func (s Status) Ready() bool {
	return s.Venv == VenvReady && s.Container == ContainerRunning
}

// Result is what one exec call produced. A non-empty Error is a program
// failure, reported alongside any partial output.
type Result struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

type Service interface {
	Start(ctx context.Context, room string) error
	Exec(ctx context.Context, room, code string) (Result, error)
	Stop(ctx context.Context, room string) error
	Status(ctx context.Context, room string) (Status, error)
}

// HTTPService talks to the execution service over the shared remote client,
// inheriting its bearer auth and retry policy.
type HTTPService struct {
	client *remote.HTTPClient
}

func NewHTTPService(client *remote.HTTPClient) *HTTPService {
	return &HTTPService{client: client}
}

func (s *HTTPService) Start(ctx context.Context, room string) error {
	if err := s.client.DoJSON(ctx, http.MethodPost, execPath(room, "start"), struct{}{}, nil); err != nil {
		return fmt.Errorf("start environment for %s: %w", room, err)
	}
	return nil
}

func (s *HTTPService) Exec(ctx context.Context, room, code string) (Result, error) {
	var out Result
	err := s.client.DoJSON(ctx, http.MethodPost, execPath(room, "exec"), map[string]string{"code": code}, &out)
	if err != nil {
		if notReady := classify(room, err); notReady != nil {
			return Result{}, notReady
		}
		return Result{}, fmt.Errorf("exec in %s: %w", room, err)
	}
	return out, nil
}

func (s *HTTPService) Stop(ctx context.Context, room string) error {
	if err := s.client.DoJSON(ctx, http.MethodPost, execPath(room, "stop"), struct{}{}, nil); err != nil {
		return fmt.Errorf("stop environment for %s: %w", room, err)
	}
	return nil
}

func (s *HTTPService) Status(ctx context.Context, room string) (Status, error) {
	var out Status
	if err := s.client.DoJSON(ctx, http.MethodGet, execPath(room, "status"), nil, &out); err != nil {
		return Status{}, fmt.Errorf("environment status for %s: %w", room, err)
	}
	return out, nil
}

// classify maps the service's "no environment/session" responses to
// EnvironmentNotReadyError. Anything else stays an ordinary failure.
func classify(room string, err error) error {
	var httpErr *remote.HTTPError
	if !errors.As(err, &httpErr) {
		return nil
	}
	switch httpErr.Code {
	case CodeNoEnvironment, CodeNoSession:
		return &EnvironmentNotReadyError{Room: room, Reason: httpErr.Message}
	}
	return nil
}

func execPath(room, leaf string) string {
	return fmt.Sprintf("/v1/exec/%s/%s", url.PathEscape(room), leaf)
}
