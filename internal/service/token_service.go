package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sanction-engine/internal/models"
	appErrors "github.com/noah-isme/sanction-engine/pkg/errors"
	"github.com/noah-isme/sanction-engine/pkg/tokens"
)

const (
	noSanctionMessage      = "There is no %s associated with this token."
	alreadyApprovedMessage = "This registration is not pending %s."
	alreadyRejectedMessage = "This registration %s has been rejected."
	alreadyEndedMessage    = "This %s has already ended."
	appliedMessage         = "Your %s decision has been recorded."
)

type tokenDecoder interface {
	Decode(raw string) (*tokens.Claims, error)
}

type tokenMetrics interface {
	ObserveTokenDispatch(outcome string)
}

type noopTokenMetrics struct{}

func (noopTokenMetrics) ObserveTokenDispatch(string) {}

// TokenRequest is a verified approval token ready for a handler.
type TokenRequest struct {
	Verb       models.TokenVerb
	Family     models.SanctionType
	SubjectID  string
	ApproverID string
	Raw        string
}

// TokenHandler executes verified tokens for one workflow family.
type TokenHandler interface {
	HandleToken(ctx context.Context, req TokenRequest) (*Outcome, error)
}

// TokenResult reports what following an approval link did.
type TokenResult struct {
	Action     models.TokenAction
	SanctionID string
	ApproverID string
	Status     models.TokenStatus
	Sanction   *models.Sanction
	Message    string
}

// TokenService decodes approval tokens and routes them to the handler
// registered for their family.
type TokenService struct {
	codec     tokenDecoder
	validator *validator.Validate
	metrics   tokenMetrics
	logger    *zap.Logger

	mu       sync.RWMutex
	handlers map[models.SanctionType]TokenHandler
}

// TokenServiceOption configures the service.
type TokenServiceOption func(*TokenService)

// WithTokenMetrics counts dispatch outcomes.
func WithTokenMetrics(metrics tokenMetrics) TokenServiceOption {
	return func(s *TokenService) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// NewTokenService constructs a dispatcher with no handlers registered.
func NewTokenService(codec tokenDecoder, logger *zap.Logger, opts ...TokenServiceOption) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &TokenService{
		codec:     codec,
		validator: validator.New(),
		metrics:   noopTokenMetrics{},
		logger:    logger,
		handlers:  make(map[models.SanctionType]TokenHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Register binds handler to family, replacing any previous binding.
func (s *TokenService) Register(family models.SanctionType, handler TokenHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[family] = handler
}

// Dispatch verifies raw and executes the action it names.
func (s *TokenService) Dispatch(ctx context.Context, raw string) (*TokenResult, error) {
	claims, err := s.codec.Decode(raw)
	if err == nil {
		err = s.validator.Struct(claims)
	}
	if err != nil {
		s.logger.Warn("invalid approval token",
			zap.String("security_event", "invalid_approval_token"),
			zap.Int("token_length", len(raw)),
			zap.Error(err),
		)
		s.metrics.ObserveTokenDispatch("invalid_token")
		return nil, appErrors.WrapAs(appErrors.ErrInvalidToken, err, "")
	}

	verb, family, err := models.ParseTokenAction(claims.Action)
	if err != nil {
		return nil, s.unknownAction(claims, err)
	}
	s.mu.RLock()
	handler, ok := s.handlers[family]
	s.mu.RUnlock()
	if !ok {
		return nil, s.unknownAction(claims, fmt.Errorf("no handler registered for %q", family))
	}

	outcome, err := handler.HandleToken(ctx, TokenRequest{
		Verb:       verb,
		Family:     family,
		SubjectID:  claims.SubjectID,
		ApproverID: claims.ApproverID,
		Raw:        strings.TrimSpace(raw),
	})
	if err != nil {
		if errors.Is(err, appErrors.ErrInvalidToken) {
			s.logger.Warn("approval token rejected",
				zap.String("security_event", "invalid_approval_token"),
				zap.String("sanction_id", claims.SubjectID),
				zap.String("approver_id", claims.ApproverID),
				zap.Error(err),
			)
		}
		s.metrics.ObserveTokenDispatch(strings.ToLower(appErrors.FromError(err).Code))
		return nil, err
	}

	s.metrics.ObserveTokenDispatch(string(outcome.Status))
	return &TokenResult{
		Action:     models.TokenAction(claims.Action),
		SanctionID: claims.SubjectID,
		ApproverID: claims.ApproverID,
		Status:     outcome.Status,
		Sanction:   outcome.Sanction,
		Message:    statusMessage(outcome.Status, family),
	}, nil
}

func (s *TokenService) unknownAction(claims *tokens.Claims, cause error) error {
	s.logger.Error("approval token names an unhandled action",
		zap.String("action", claims.Action),
		zap.String("sanction_id", claims.SubjectID),
		zap.Error(cause),
	)
	s.metrics.ObserveTokenDispatch("unknown_action")
	return appErrors.WrapAs(appErrors.ErrUnknownAction, cause, "")
}

func statusMessage(status models.TokenStatus, family models.SanctionType) string {
	name := family.DisplayName()
	switch status {
	case models.TokenStatusAlreadyApproved:
		return fmt.Sprintf(alreadyApprovedMessage, name)
	case models.TokenStatusAlreadyRejected:
		return fmt.Sprintf(alreadyRejectedMessage, name)
	case models.TokenStatusAlreadyCompleted:
		return fmt.Sprintf(alreadyEndedMessage, name)
	default:
		return fmt.Sprintf(appliedMessage, name)
	}
}

// SanctionTokenHandler executes approve and reject tokens for every sanction family.
type SanctionTokenHandler struct {
	sanctions *SanctionService
}

// NewSanctionTokenHandler binds the handler to the sanction service.
func NewSanctionTokenHandler(sanctions *SanctionService) *SanctionTokenHandler {
	return &SanctionTokenHandler{sanctions: sanctions}
}

// RegisterSanctionHandlers binds handler to every sanction family.
func RegisterSanctionHandlers(svc *TokenService, handler TokenHandler) {
	for _, family := range models.SanctionTypes {
		svc.Register(family, handler)
	}
}

// HandleToken approves or rejects on behalf of the token's approver. A token
// that arrives after the sanction has settled reports how it settled.
func (h *SanctionTokenHandler) HandleToken(ctx context.Context, req TokenRequest) (*Outcome, error) {
	actor := models.Actor{ID: req.ApproverID}
	opt := WithPresentedToken(req.Verb, req.Family, req.Raw)

	var (
		outcome *Outcome
		err     error
	)
	switch req.Verb {
	case models.TokenVerbApprove:
		outcome, err = h.sanctions.Approve(ctx, req.SubjectID, actor, opt)
	case models.TokenVerbReject:
		outcome, err = h.sanctions.Reject(ctx, req.SubjectID, actor, opt)
	default:
		return nil, appErrors.Clone(appErrors.ErrUnknownAction, fmt.Sprintf("unsupported token verb %q", req.Verb))
	}
	switch {
	case err == nil:
		return outcome, nil
	case errors.Is(err, appErrors.ErrNoSanction):
		return nil, appErrors.Clone(appErrors.ErrNoSanction, fmt.Sprintf(noSanctionMessage, req.Family.DisplayName()))
	case errors.Is(err, appErrors.ErrInvalidTransition):
		return h.settled(ctx, req.SubjectID, err)
	default:
		return nil, err
	}
}

func (h *SanctionTokenHandler) settled(ctx context.Context, id string, cause error) (*Outcome, error) {
	detail, err := h.sanctions.Get(ctx, id)
	if err != nil {
		return nil, cause
	}
	var status models.TokenStatus
	switch detail.State {
	case models.SanctionStatePendingModeration, models.SanctionStateApproved:
		status = models.TokenStatusAlreadyApproved
	case models.SanctionStateCompleted:
		status = models.TokenStatusAlreadyCompleted
	case models.SanctionStateRejected, models.SanctionStateModeratorRejected:
		status = models.TokenStatusAlreadyRejected
	default:
		return nil, cause
	}
	return &Outcome{Sanction: detail.Sanction, Status: status}, nil
}
