package peercall

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/adapt"
	"github.com/opd-ai/peercall/bridge"
	"github.com/opd-ai/peercall/call"
	"github.com/opd-ai/peercall/events"
	"github.com/opd-ai/peercall/identity"
	"github.com/opd-ai/peercall/signaling"
)

// MustIdentity parses a peer identity string, panicking on invalid input.
// Intended for identities known at compile time.
func MustIdentity(s string) identity.Identity {
	return identity.MustParse(s)
}

// Options configures a Service.
type Options struct {
	// Self is this node's peer identity. Required.
	Self identity.Identity

	// Signaling is the message-delivery substrate. Required.
	Signaling signaling.Transport

	// Media dials per-peer media connections. Required.
	Media bridge.Dialer

	// Call, Signal, Bridge and Adapt tune the subsystems; zero values
	// select the defaults.
	Call   call.Config
	Signal signaling.Config
	Bridge bridge.Config
	Adapt  adapt.Config

	// OnPacket receives inbound media packets. Optional.
	OnPacket bridge.ReceiveFunc

	// OnMediaError observes inbound media decode and stream failures.
	// Optional.
	OnMediaError bridge.ErrorFunc
}

// Service wires the subsystems into one call endpoint.
type Service struct {
	self    identity.Identity
	sig     *signaling.Handler
	bridge  *bridge.Bridge
	engine  *adapt.Engine
	manager *call.Manager
}

// New creates a call service over the given transports. The service is
// inert until Start.
func New(opts Options) (*Service, error) {
	if opts.Self == nil {
		return nil, fmt.Errorf("%w: self identity is required", call.ErrInvalidParameter)
	}
	if opts.Signaling == nil {
		return nil, fmt.Errorf("%w: signaling transport is required", call.ErrInvalidParameter)
	}
	if opts.Media == nil {
		return nil, fmt.Errorf("%w: media dialer is required", call.ErrInvalidParameter)
	}

	sig, err := signaling.NewHandler(opts.Signaling, opts.Signal)
	if err != nil {
		return nil, fmt.Errorf("signaling handler: %w", err)
	}

	bridgeCfg := opts.Bridge
	bridgeCfg.OnReceive = opts.OnPacket
	bridgeCfg.OnError = opts.OnMediaError
	br, err := bridge.New(opts.Media, bridgeCfg)
	if err != nil {
		return nil, fmt.Errorf("packet bridge: %w", err)
	}

	engine := adapt.NewEngine(opts.Adapt)

	manager, err := call.NewManager(opts.Self, sig, br, engine, opts.Call)
	if err != nil {
		br.Close()
		return nil, fmt.Errorf("call manager: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "peercall.New",
		"self":     opts.Self.String(),
	}).Info("Call service created")

	return &Service{
		self:    opts.Self,
		sig:     sig,
		bridge:  br,
		engine:  engine,
		manager: manager,
	}, nil
}

// Self returns this node's identity.
func (s *Service) Self() identity.Identity {
	return s.self
}

// Start launches the signaling dispatch loop and the call manager's
// background work.
func (s *Service) Start(ctx context.Context) error {
	if err := s.sig.Start(ctx); err != nil {
		return err
	}
	if err := s.manager.Start(ctx); err != nil {
		s.sig.Stop()
		return err
	}
	return nil
}

// Stop shuts everything down in dependency order.
func (s *Service) Stop() {
	s.manager.Stop()
	s.sig.Stop()
	s.bridge.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Service.Stop",
	}).Info("Call service stopped")
}

// InitiateCall starts an outbound call to the callee.
func (s *Service) InitiateCall(callee identity.Identity, constraints call.MediaConstraints) (call.CallID, error) {
	return s.manager.InitiateCall(callee, constraints)
}

// AcceptCall answers an inbound pending call.
func (s *Service) AcceptCall(ctx context.Context, id call.CallID, constraints call.MediaConstraints) error {
	return s.manager.AcceptCall(ctx, id, constraints)
}

// RejectCall declines an inbound pending call.
func (s *Service) RejectCall(id call.CallID) error {
	return s.manager.RejectCall(id)
}

// EndCall ends a call from any live state.
func (s *Service) EndCall(id call.CallID) error {
	return s.manager.EndCall(id)
}

// GetCallState returns the call's current lifecycle state.
func (s *Service) GetCallState(id call.CallID) (call.State, error) {
	return s.manager.GetCallState(id)
}

// GetQualityMetrics returns the call's recorded quality history.
func (s *Service) GetQualityMetrics(id call.CallID) ([]call.QualityMetrics, error) {
	return s.manager.GetQualityMetrics(id)
}

// RecordQuality feeds one quality observation for the call.
func (s *Service) RecordQuality(id call.CallID, q call.QualityMetrics) error {
	return s.manager.RecordQuality(id, q)
}

// SubscribeEvents returns an independent receiver of the merged event
// stream.
func (s *Service) SubscribeEvents() *events.Subscription[call.Event] {
	return s.manager.SubscribeEvents()
}

// AttachMediaConn adopts an inbound media connection for the peer.
// Transports that accept connections call this when a remote dials in.
func (s *Service) AttachMediaConn(peer identity.Identity, conn bridge.Conn) error {
	return s.bridge.AttachConn(peer, conn)
}

// SendPacket frames one media packet toward the peer on the call's
// sub-stream for the packet's stream type.
func (s *Service) SendPacket(ctx context.Context, peer identity.Identity, id call.CallID, pkt *bridge.Packet) error {
	return s.bridge.Send(ctx, peer, id, pkt)
}

// BridgeStats returns a snapshot of media traffic counters.
func (s *Service) BridgeStats() bridge.Stats {
	return s.bridge.Stats()
}

// CallStats returns a snapshot of call lifecycle counters.
func (s *Service) CallStats() call.Stats {
	return s.manager.Stats()
}
