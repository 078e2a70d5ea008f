// Package peercall establishes and manages real-time peer-to-peer call
// sessions over pluggable transports.
//
// The package is the API facade over four subsystems: signaling
// (offer/answer/candidate exchange with per-call negotiation sessions), the
// packet bridge (media packets multiplexed onto per-call sub-streams with
// QoS latency budgets), the call lifecycle state machine, and network
// adaptation (quality-driven up/downgrade recommendations).
//
// # Getting Started
//
// Create a Service with your identity and a transport, start it, then
// subscribe to events and place calls:
//
//	self := peercall.MustIdentity("alice@example")
//	net := transport.NewMemoryNetwork()
//	ep := net.Endpoint(self)
//
//	svc, err := peercall.New(peercall.Options{
//	    Self:      self,
//	    Signaling: ep,
//	    Media:     ep,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ep.OnInboundConn(func(from identity.Identity, conn bridge.Conn) {
//	    svc.AttachMediaConn(from, conn)
//	})
//	if err := svc.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Stop()
//
//	sub := svc.SubscribeEvents()
//	defer sub.Cancel()
//
//	id, err := svc.InitiateCall(peercall.MustIdentity("bob@example"),
//	    call.MediaConstraints{Audio: true})
//
// The remote side observes call.EventIncomingCall on its own subscription
// and answers with AcceptCall or RejectCall. Once both sides reach
// call.StateConnected, media flows through SendPacket and arrives at the
// Options.OnPacket callback.
//
// # Core Types
//
//   - Service: the facade wiring all subsystems for one endpoint.
//   - identity.Identity: opaque peer handle with a stable unique id.
//   - call.Manager: lifecycle state machine and event source.
//   - signaling.Handler: typed signaling over a byte transport.
//   - bridge.Bridge: QoS-aware media packet delivery.
//   - adapt.Engine: hysteresis-controlled quality adaptation.
//
// Transports are pluggable: anything satisfying signaling.Transport and
// bridge.Dialer works. The transport package ships an in-process network
// for tests and a Noise-encrypted pipe for untrusted links.
package peercall
