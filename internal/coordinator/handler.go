// Package coordinator runs the pool's coordination endpoint: it accepts miner
// and validator connections and routes their messages into the hash
// lifecycle.
package coordinator

import (
	"context"

	"github.com/bardlex/orepool/internal/lifecycle"
	"github.com/bardlex/orepool/internal/protocol"
	"github.com/bardlex/orepool/internal/registry"
	"github.com/bardlex/orepool/internal/validation"
	"github.com/bardlex/orepool/pkg/errors"
	"github.com/bardlex/orepool/pkg/log"
)

// MsgRateLimited is sent when a miner exceeds its submit budget.
const MsgRateLimited = "Rate limit exceeded"

// RateLimiter decides whether a miner may submit another hash.
type RateLimiter interface {
	Allow(ctx context.Context, minerAddress string) (bool, error)
}

// Handler implements protocol.Handler for pool connections
type Handler struct {
	registry  *registry.Registry
	lifecycle *lifecycle.Manager
	limiter   RateLimiter
	logger    *log.Logger
}

// HandlerOption configures a Handler
type HandlerOption func(*Handler)

// WithRateLimiter enables per-miner submit limiting
func WithRateLimiter(l RateLimiter) HandlerOption {
	return func(h *Handler) {
		h.limiter = l
	}
}

// NewHandler creates a message handler
func NewHandler(reg *registry.Registry, lc *lifecycle.Manager, logger *log.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry:  reg,
		lifecycle: lc,
		logger:    logger.WithComponent("handler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleMessage dispatches one decoded message
func (h *Handler) HandleMessage(ctx context.Context, s *protocol.Session, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.Register:
		return h.handleRegister(s, m)
	case *protocol.SubmitHash:
		return h.handleSubmitHash(ctx, s, m)
	case *protocol.ValidationResult:
		return h.handleValidationResult(ctx, s, m)
	default:
		return s.Send(protocol.NewError(protocol.MsgUnknownType))
	}
}

// HandleClose drops the session's registration, if it still owns it.
func (h *Handler) HandleClose(s *protocol.Session) {
	addr := s.Address()
	if addr == "" {
		return
	}
	if h.registry.Remove(addr, s) {
		h.logger.Info("connection unregistered", "address", addr, "session_id", s.ID())
	}
}

func (h *Handler) handleRegister(s *protocol.Session, m *protocol.Register) error {
	s.SetAddress(m.Address)
	entry := h.registry.Register(m.Address, s)

	h.logger.Info("connection registered",
		"address", m.Address,
		"role", entry.Role.String(),
		"session_id", s.ID(),
	)
	return s.Send(&protocol.Registered{IsValidator: entry.IsValidator()})
}

func (h *Handler) handleSubmitHash(ctx context.Context, s *protocol.Session, m *protocol.SubmitHash) error {
	miner := m.MinerAddress
	if miner == "" {
		miner = s.Address()
	}

	if h.limiter != nil && miner != "" {
		allowed, err := h.limiter.Allow(ctx, miner)
		if err != nil {
			h.logger.WithMiner(miner).WithError(err).Warn("rate limiter unavailable")
		} else if !allowed {
			return s.Send(protocol.NewError(MsgRateLimited))
		}
	}

	_, err := h.lifecycle.SubmitHash(ctx, validation.Submission{
		MinerAddress: miner,
		Hash:         m.Hash,
		Difficulty:   m.Difficulty,
		Nonce:        m.Nonce,
	})
	if err != nil {
		return h.replyError(s, err)
	}
	return nil
}

func (h *Handler) handleValidationResult(ctx context.Context, s *protocol.Session, m *protocol.ValidationResult) error {
	if !h.isValidator(s) {
		h.logger.Warn("validation result from unauthorized connection",
			"address", s.Address(),
			"session_id", s.ID(),
		)
		return s.Send(protocol.NewError(protocol.MsgUnauthorized))
	}

	_, err := h.lifecycle.RecordValidationResult(ctx, lifecycle.Verdict{
		HashID:    m.HashID,
		Success:   m.Success,
		Signature: m.Signature,
		Error:     m.Error,
	})
	if err != nil {
		return h.replyError(s, err)
	}
	return nil
}

// isValidator reports whether s is the connection holding the validator slot
func (h *Handler) isValidator(s *protocol.Session) bool {
	entry, ok := h.registry.FindValidator()
	if !ok {
		return false
	}
	conn, ok := entry.Conn.(*protocol.Session)
	return ok && conn == s
}

func (h *Handler) replyError(s *protocol.Session, err error) error {
	if !errors.IsType(err, errors.ErrorTypeValidation) {
		h.logger.WithError(err).Error("failed to process message", "session_id", s.ID())
	}
	if sendErr := s.Send(protocol.NewError(errors.UserMessage(err))); sendErr != nil {
		return sendErr
	}
	return nil
}
