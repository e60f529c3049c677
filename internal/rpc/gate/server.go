package gate

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pushdeck/internal/dispatch"
	"pushdeck/internal/notice"
)

// Server bridges the agent gate onto the dispatcher. Notify streams at most
// one terminal event; a response-required call holds the stream open until the
// human answers or the deadline passes.
type Server struct {
	disp *dispatch.Dispatcher
	log  zerolog.Logger
}

func NewServer(disp *dispatch.Dispatcher, log zerolog.Logger) *Server {
	return &Server{
		disp: disp,
		log:  log.With().Str("component", "gate").Logger(),
	}
}

func (s *Server) Notify(req *NotifyRequest, stream AgentNotifyServer) error {
	result, err := s.disp.Send(stream.Context(), notice.SendRequest{
		Message:           req.Message,
		Type:              req.Type,
		Priority:          req.Priority,
		TargetUser:        req.TargetUser,
		Sender:            req.Sender,
		Title:             req.Title,
		Abstract:          req.Abstract,
		ResponseRequested: req.ResponseRequested,
		ResponseType:      req.ResponseType,
		ResponseOptions:   req.ResponseOptions,
		TimeoutSeconds:    req.TimeoutSeconds,
		ResponseDefault:   req.ResponseDefault,
	})
	if err != nil {
		return statusFromError(err)
	}
	return stream.Send(&NotifyEvent{
		NotificationID: result.NotificationID,
		Status:         result.Status,
		Response:       result.Response,
		DefaultUsed:    result.DefaultUsed,
		Timeout:        result.Timeout,
	})
}

func (s *Server) SubmitResponse(ctx context.Context, req *SubmitResponseRequest) (*SubmitResponseResponse, error) {
	if req.NotificationID == "" {
		return nil, status.Error(codes.InvalidArgument, "notification_id is required")
	}
	rec, err := s.disp.SubmitResponse(ctx, req.NotificationID, req.ResponseValue)
	if err != nil {
		return nil, statusFromError(err)
	}
	return &SubmitResponseResponse{Status: "success", ResponseValue: rec.Response}, nil
}

func (s *Server) Health(context.Context, *HealthRequest) (*HealthResponse, error) {
	return &HealthResponse{OK: true, Message: "pushdeck agent gate ready"}, nil
}

func statusFromError(err error) error {
	var verr *notice.ValidationError
	switch {
	case errors.As(err, &verr):
		return status.Error(codes.InvalidArgument, verr.Error())
	case errors.Is(err, dispatch.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, dispatch.ErrOfflineNoDefault):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, dispatch.ErrDuplicateResponse):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, dispatch.ErrGraceExceeded):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
