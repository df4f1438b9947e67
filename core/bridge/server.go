package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"kestrel/core/auth"
	"kestrel/core/component"
	kerrors "kestrel/core/errors"
	"kestrel/core/kernel"
	"kestrel/core/lifecycle"
	"kestrel/core/logger"
	"kestrel/core/scheduler"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Controller is the host control surface the server drives. *kernel.Host
// implements it.
type Controller interface {
	Authorize(ctx context.Context, action, component string) error
	Status() kernel.Status
	Health(ctx context.Context) map[string]component.HealthStatus
	Components() []lifecycle.Info
	Processes() []scheduler.ProcessInfo
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Shutdown(ctx context.Context) error
	EnableComponent(ctx context.Context, name string) error
	DisableComponent(ctx context.Context, name string) error
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Logger         *zap.Logger
	SubjectPrefix  string
	RequestTimeout time.Duration
}

// Server answers control requests on <prefix>.control.
type Server struct {
	nc      *nats.Conn
	ctl     Controller
	log     *zap.Logger
	subject string
	timeout time.Duration

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewServer returns a server for ctl. Call Start to subscribe.
func NewServer(nc *nats.Conn, ctl Controller, opts ServerOptions) *Server {
	prefix := opts.SubjectPrefix
	if prefix == "" {
		prefix = "kestrel"
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Server{
		nc:      nc,
		ctl:     ctl,
		log:     logger.OrNop(opts.Logger).Named("bridge"),
		subject: controlSubject(prefix),
		timeout: timeout,
	}
}

// Subject returns the control subject.
func (s *Server) Subject() string { return s.subject }

// Start subscribes to the control subject.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return kerrors.State(kerrors.ErrIllegalTransition, "bridge server already started")
	}
	sub, err := s.nc.Subscribe(s.subject, s.handle)
	if err != nil {
		return kerrors.Wrap(err, "subscribe to "+s.subject)
	}
	s.sub = sub
	s.log.Info("Bridge listening", zap.String("subject", s.subject))
	return nil
}

// Stop drains the subscription.
func (s *Server) Stop() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Drain()
}

func (s *Server) handle(msg *nats.Msg) {
	var req ControlRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("Failed to decode control request", zap.Error(err))
		s.reply(msg, ControlResponse{Error: &ErrorDetail{Code: CodeInvalidRequest, Message: "failed to decode request"}})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if req.Principal != nil {
		p := auth.NewDefaultPrincipal(req.Principal.ID, "remote", req.Principal.Roles)
		ctx = auth.ContextWithPrincipal(ctx, p)
	}

	tracer := otel.Tracer("kestrel-kernel")
	ctx, span := tracer.Start(ctx, "Bridge.Control")
	span.SetAttributes(attribute.String("command", req.Command), attribute.String("component.name", req.Component))
	defer span.End()

	result, err := s.dispatch(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Info("Control request failed", zap.String("command", req.Command), zap.String("component", req.Component), zap.Error(err))
		s.reply(msg, ControlResponse{Error: asDetail(err)})
		return
	}
	resp := ControlResponse{OK: true}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			s.reply(msg, ControlResponse{Error: &ErrorDetail{Code: CodeInternal, Message: "failed to encode result: " + err.Error()}})
			return
		}
		resp.Result = data
	}
	s.reply(msg, resp)
}

func asDetail(err error) *ErrorDetail {
	if d, ok := err.(*ErrorDetail); ok {
		return d
	}
	return errorDetail(err)
}

func (s *Server) dispatch(ctx context.Context, req ControlRequest) (interface{}, error) {
	switch req.Command {
	case CommandStatus:
		if err := s.ctl.Authorize(ctx, auth.ActionStatus, ""); err != nil {
			return nil, err
		}
		return s.ctl.Status(), nil
	case CommandHealth:
		if err := s.ctl.Authorize(ctx, auth.ActionStatus, ""); err != nil {
			return nil, err
		}
		return s.ctl.Health(ctx), nil
	case CommandComponents:
		if err := s.ctl.Authorize(ctx, auth.ActionList, ""); err != nil {
			return nil, err
		}
		return s.ctl.Components(), nil
	case CommandProcesses:
		if err := s.ctl.Authorize(ctx, auth.ActionList, ""); err != nil {
			return nil, err
		}
		return s.ctl.Processes(), nil
	case CommandPause:
		return nil, s.ctl.Pause(ctx)
	case CommandResume:
		return nil, s.ctl.Resume(ctx)
	case CommandShutdown:
		// Reply before the host tears down, then shut down in the background.
		if err := s.ctl.Authorize(ctx, auth.ActionShutdown, ""); err != nil {
			return nil, err
		}
		go func() {
			if err := s.ctl.Shutdown(context.WithoutCancel(ctx)); err != nil {
				s.log.Error("Shutdown requested over bridge failed", zap.Error(err))
			}
		}()
		return nil, nil
	case CommandEnable, CommandDisable:
		if req.Component == "" {
			return nil, &ErrorDetail{Code: CodeInvalidRequest, Message: req.Command + " requires a component"}
		}
		if req.Command == CommandEnable {
			return nil, s.ctl.EnableComponent(ctx, req.Component)
		}
		return nil, s.ctl.DisableComponent(ctx, req.Component)
	default:
		return nil, &ErrorDetail{Code: CodeUnknownCommand, Message: "unknown command " + req.Command}
	}
}

func (s *Server) reply(msg *nats.Msg, resp ControlResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("Failed to encode control response", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("Failed to send control response", zap.Error(err))
	}
}
