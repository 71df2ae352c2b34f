package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/commcore/bus/internal/bus"
	"github.com/commcore/bus/internal/protocol/transport"
	"github.com/commcore/bus/internal/protocol/transport/datagram/udp"
	"github.com/commcore/bus/internal/protocol/transport/wsframed"
)

// handleInboundFrame is handed to grpcstream.Listen: every frame a peer
// sends over the gRPC stream arrives here and is fanned out to this
// process's local subscribers as an Event, the way the teacher's
// AgentHubServer hands each inbound gRPC message straight to its internal
// event distribution rather than re-dialing out.
func (a *App) handleInboundFrame(frame transport.Frame) error {
	a.obs.Logger.Debug("inbound frame", slog.String("message_id", frame.MessageID), slog.String("destination", frame.Destination))
	a.bus.PublishEvent(context.Background(), bus.Event{
		ID:      frame.MessageID,
		Type:    "inbound.frame",
		Source:  frame.Destination,
		Payload: bus.Envelope{Bytes: frame.Bytes},
	})
	return nil
}

// serveWS accepts inbound wsframed connections, reading frames off each
// one until it closes or ctx is cancelled.
func (a *App) serveWS(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		t, err := wsframed.Accept(w, r)
		if err != nil {
			a.obs.Logger.Error("wsframed accept failed", slog.Any("error", err))
			return
		}
		go a.readWSLoop(ctx, t)
	})

	srv := &http.Server{Addr: a.cfg.WSAddr, Handler: mux}
	a.obs.Logger.Info("wsframed listening", slog.String("addr", a.cfg.WSAddr))

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		a.obs.Logger.Error("wsframed server stopped", slog.Any("error", err))
	}
}

func (a *App) readWSLoop(ctx context.Context, t *wsframed.Transport) {
	defer t.Close()
	for {
		frame, err := t.Receive(ctx)
		if err != nil {
			a.obs.Logger.Debug("wsframed connection closed", slog.Any("error", err))
			return
		}
		if err := a.handleInboundFrame(frame); err != nil {
			a.obs.Logger.Error("inbound frame handling failed", slog.Any("error", err))
		}
	}
}

// serveUDP listens for inbound datagrams until ctx is cancelled, feeding
// each into the same inbound-frame path as the stream-based transports.
func (a *App) serveUDP(ctx context.Context) {
	t, err := udp.Listen(a.cfg.UDPAddr)
	if err != nil {
		a.obs.Logger.Error("udp listen failed", slog.Any("error", err))
		return
	}
	defer t.Close()
	a.obs.Logger.Info("udp listening", slog.String("addr", a.cfg.UDPAddr))

	go func() {
		<-ctx.Done()
		_ = t.Close()
	}()

	for {
		frame, err := t.Receive(ctx)
		if err != nil {
			a.obs.Logger.Debug("udp listener stopped", slog.Any("error", err))
			return
		}
		if err := a.handleInboundFrame(frame); err != nil {
			a.obs.Logger.Error("inbound frame handling failed", slog.Any("error", err))
		}
	}
}
