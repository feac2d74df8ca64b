// Command callprobe is a headless call participant. It joins the signaling
// channel as a customer or an agent, completes one call with a real peer
// connection streaming silent audio, and exits when the call ends.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"support-platform/internal/config"
	"support-platform/internal/negotiation"
	"support-platform/internal/protocol"
	"support-platform/internal/signaling"
	"support-platform/pkg/logger"
)

const dialTimeout = 10 * time.Second

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadProbe()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logger.New("local")

	if err := run(rootCtx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("probe failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ProbeConfig, log *slog.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	client, err := signaling.Dial(dialCtx, cfg.ServerURL, cfg.Token)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	ready := client.Ready
	log = logger.ForConnection(log, ready.ConnectionID, string(ready.Role), ready.Identity)
	log.Info("signaling ready", "ice_servers", len(ready.ICEServers))
	if string(ready.Role) != cfg.Role {
		return fmt.Errorf("token role %q does not match PROBE_ROLE %q", ready.Role, cfg.Role)
	}

	var sessionID string
	switch ready.Role {
	case protocol.RoleCustomer:
		sessionID, err = placeCall(ctx, client, cfg, log)
	case protocol.RoleAgent:
		sessionID, err = answerCall(ctx, client, ready.Identity, log)
	default:
		err = fmt.Errorf("unsupported role %q", ready.Role)
	}
	if err != nil {
		return err
	}

	// Locally configured ICE servers win over the advertised ones.
	ice := ready.ICEServers
	if len(cfg.ICE.URLs) > 0 {
		ice = []protocol.ICEServer{{URLs: cfg.ICE.URLs, Username: cfg.ICE.Username, Credential: cfg.ICE.Credential}}
	}
	peers, err := negotiation.NewPionFactory()
	if err != nil {
		return err
	}
	neg, err := negotiation.New(negotiation.Config{
		SessionID:  sessionID,
		Role:       ready.Role,
		ICEServers: ice,
		Media:      negotiation.SilenceSource{StreamID: "callprobe"},
		Peers:      peers,
		Signaler:   client,
		Logger:     log,
		OnStateChange: func(from, to negotiation.State) {
			log.Info("negotiation state", "session_id", sessionID, "from", from, "to", to)
		},
	})
	if err != nil {
		return err
	}
	if err := neg.Start(ctx); err != nil {
		return err
	}
	err = neg.Run(ctx, client.Messages())
	log.Info("call over", "session_id", sessionID, "state", neg.State(), "reason", neg.Reason())
	return err
}

// placeCall requests a call and waits until an agent accepts it.
func placeCall(ctx context.Context, client *signaling.Client, cfg config.ProbeConfig, log *slog.Logger) (string, error) {
	req := protocol.New(protocol.TypeCallRequest, "", protocol.CallRequest{
		CallerName:          cfg.CallerName,
		CallerPhone:         cfg.CallerPhone,
		TargetAgentIdentity: cfg.TargetAgent,
	})
	req.Ref = "probe-request"
	if err := client.Send(req); err != nil {
		return "", err
	}

	var sessionID string
	for {
		msg, err := next(ctx, client)
		if err != nil {
			return "", err
		}
		switch msg.Type {
		case protocol.TypeAck:
			if msg.Ref == req.Ref {
				sessionID = msg.SessionID
				log.Info("call ringing", "session_id", sessionID)
			}
		case protocol.TypeError:
			return "", remoteError(msg)
		case protocol.TypeCallAccepted:
			if msg.SessionID == sessionID {
				var out protocol.CallOutcome
				_ = msg.Decode(&out)
				log.Info("call accepted", "session_id", sessionID, "agent", out.AgentIdentity)
				return sessionID, nil
			}
		case protocol.TypeCallRejected, protocol.TypeCallAbandoned:
			if msg.SessionID == sessionID {
				var out protocol.CallOutcome
				_ = msg.Decode(&out)
				return "", fmt.Errorf("call %s: %s (%s)", sessionID, msg.Type, out.Reason)
			}
		}
	}
}

// answerCall goes online and accepts the first call offered.
func answerCall(ctx context.Context, client *signaling.Client, identity string, log *slog.Logger) (string, error) {
	join := protocol.New(protocol.TypeAgentJoin, "", protocol.AgentPresence{AgentIdentity: identity})
	if err := client.Send(join); err != nil {
		return "", err
	}

	var accepting string
	for {
		msg, err := next(ctx, client)
		if err != nil {
			return "", err
		}
		switch msg.Type {
		case protocol.TypeCallRequest:
			if accepting != "" {
				continue
			}
			var pc protocol.PendingCall
			if err := msg.Decode(&pc); err != nil {
				return "", err
			}
			log.Info("call offered", "session_id", pc.SessionID, "caller", pc.CallerName)
			accept := protocol.New(protocol.TypeCallAccept, pc.SessionID, protocol.CallAccept{SessionID: pc.SessionID, AgentIdentity: identity})
			accept.Ref = "probe-accept-" + pc.SessionID
			if err := client.Send(accept); err != nil {
				return "", err
			}
			accepting = pc.SessionID
		case protocol.TypeAck:
			if accepting != "" && msg.SessionID == accepting {
				return accepting, nil
			}
		case protocol.TypeCallTaken, protocol.TypeCallWithdrawn:
			if msg.SessionID == accepting {
				log.Info("call lost", "session_id", accepting, "type", msg.Type)
				accepting = ""
			}
		case protocol.TypeError:
			if msg.SessionID == accepting {
				log.Warn("accept failed", "session_id", accepting, "err", remoteError(msg))
				accepting = ""
			}
		}
	}
}

func next(ctx context.Context, client *signaling.Client) (protocol.Message, error) {
	select {
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	case msg, ok := <-client.Messages():
		if !ok {
			if err := client.Err(); err != nil {
				return protocol.Message{}, err
			}
			return protocol.Message{}, signaling.ErrConnClosed
		}
		return msg, nil
	}
}

func remoteError(msg protocol.Message) error {
	var e protocol.Error
	if err := msg.Decode(&e); err != nil {
		return fmt.Errorf("remote error: %s", msg.Payload)
	}
	return fmt.Errorf("remote error %s: %s", e.Code, e.Message)
}
