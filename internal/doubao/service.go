package doubao

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/nulpointcorp/freechat-gateway/internal/session"
)

// Observer receives stream and session events for metrics. Implementations
// must be safe for concurrent use.
type Observer interface {
	ObserveFrame(kind string)
	ObserveEviction(reason string)
	ObserveUpstream(outcome string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveFrame(string)                   {}
func (nopObserver) ObserveEviction(string)                {}
func (nopObserver) ObserveUpstream(string, time.Duration) {}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	ChatTimeout      time.Duration
	ControlTimeout   time.Duration
	DeleteAfterReply bool
	Logger           *slog.Logger
	Observer         Observer
}

// Service runs chat turns: it picks a session, opens the upstream stream and
// keeps the pool in step with the outcome (sticky binding on success,
// eviction on quota exhaustion).
type Service struct {
	pool   *session.Pool
	client *Client
	creds  *Credentials
	opts   ServiceOptions
	log    *slog.Logger
	obs    Observer
}

// NewService wires a Service. creds may be nil when client credentials are
// not accepted.
func NewService(pool *session.Pool, client *Client, creds *Credentials, opts ServiceOptions) *Service {
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = 5 * time.Minute
	}
	if opts.ControlTimeout <= 0 {
		opts.ControlTimeout = 15 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	var obs Observer = nopObserver{}
	if opts.Observer != nil {
		obs = opts.Observer
	}
	return &Service{pool: pool, client: client, creds: creds, opts: opts, log: log, obs: obs}
}

// Pool returns the session pool.
func (s *Service) Pool() *session.Pool { return s.pool }

// Reply is an open upstream reply. Close must be called exactly once.
type Reply struct {
	*Stream

	svc     *Service
	req     ChatRequest
	sess    session.Session
	body    io.ReadCloser
	cancel  context.CancelFunc
	started time.Time
}

// Open picks a session for req and opens the upstream stream. Errors here
// happen before any output, so callers can still answer with a status code.
func (s *Service) Open(ctx context.Context, req ChatRequest) (*Reply, error) {
	sess, err := s.sessionFor(ctx, req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.ChatTimeout)
	start := time.Now()
	body, err := s.client.Open(ctx, req, sess)
	if err != nil {
		cancel()
		s.settle(ctx, req, sess, err)
		s.obs.ObserveUpstream(outcomeOf(err), time.Since(start))
		return nil, err
	}

	st := NewStream(body, s.log)
	st.OnEvent = s.obs.ObserveFrame
	return &Reply{
		Stream:  st,
		svc:     s,
		req:     req,
		sess:    sess,
		body:    body,
		cancel:  cancel,
		started: start,
	}, nil
}

// Close releases the upstream connection and applies the outcome to the
// pool. err is the error the reply ended with, if any.
func (r *Reply) Close(ctx context.Context, err error) {
	r.body.Close()
	r.cancel()
	r.svc.obs.ObserveUpstream(outcomeOf(err), time.Since(r.started))
	r.svc.settle(ctx, r.req, r.sess, err)
	// Only a reply that finished cleanly binds its conversation. A stream
	// that failed after sending the id leaves it unbound, so a follow-up
	// with that id gets a not-found error.
	if err != nil {
		return
	}

	conv := r.x.Conversation()
	if conv.ConversationID == "" || r.req.Credential != "" {
		return
	}
	r.svc.pool.Bind(conv.ConversationID, r.sess)
	if r.svc.opts.DeleteAfterReply {
		r.svc.deleteQuietly(context.WithoutCancel(ctx), conv.ConversationID, r.sess)
	}
}

// Complete runs one buffered turn.
func (s *Service) Complete(ctx context.Context, req ChatRequest) (Result, error) {
	r, err := s.Open(ctx, req)
	if err != nil {
		return Result{}, err
	}
	res, err := Collect(r.Stream)
	r.Close(ctx, err)
	return res, err
}

// Delete removes conversationID upstream and drops its binding.
func (s *Service) Delete(ctx context.Context, conversationID string) error {
	sess, err := s.pool.Get(conversationID, false)
	if err != nil {
		return &SessionNotFoundError{ConversationID: conversationID}
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.ControlTimeout)
	defer cancel()
	if err := s.client.Delete(ctx, conversationID, sess); err != nil {
		return err
	}
	s.pool.Unbind(conversationID)
	return nil
}

func (s *Service) deleteQuietly(ctx context.Context, conversationID string, sess session.Session) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ControlTimeout)
	defer cancel()
	if err := s.client.Delete(ctx, conversationID, sess); err != nil {
		s.log.WarnContext(ctx, "conversation_delete_failed",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.pool.Unbind(conversationID)
}

func (s *Service) sessionFor(ctx context.Context, req ChatRequest) (session.Session, error) {
	if req.Credential != "" && s.creds != nil {
		return s.creds.Resolve(ctx, req.Credential)
	}
	conv := req.ConversationID
	if req.NewConversation() {
		conv = ""
	}
	sess, err := s.pool.Get(conv, req.Guest)
	if err != nil {
		if conv == "" {
			return session.Session{}, &SessionNotFoundError{}
		}
		return session.Session{}, &SessionNotFoundError{ConversationID: req.ConversationID}
	}
	return sess, nil
}

// settle applies a failed outcome: quota exhaustion evicts pool sessions,
// a rejected client credential drops its cached material.
func (s *Service) settle(ctx context.Context, req ChatRequest, sess session.Session, err error) {
	if err == nil {
		return
	}
	if IsQuotaExceeded(err) && req.Credential == "" {
		if perr := s.pool.Evict(sess); perr != nil {
			s.log.ErrorContext(ctx, "session_persist_failed", slog.String("error", perr.Error()))
		}
		s.obs.ObserveEviction("quota")
		return
	}
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.Unauthorized() && req.Credential != "" && s.creds != nil {
		s.creds.Invalidate(ctx, req.Credential)
	}
}

func outcomeOf(err error) string {
	var ue *UpstreamError
	switch {
	case err == nil:
		return "ok"
	case IsQuotaExceeded(err):
		return "quota"
	case errors.Is(err, ErrClientGone):
		return "client_gone"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &ue):
		return "upstream_error"
	default:
		return "error"
	}
}
