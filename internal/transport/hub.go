package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/vitaliisemenov/syncengine/internal/inspector"
	"github.com/vitaliisemenov/syncengine/internal/protocol"
	"github.com/vitaliisemenov/syncengine/internal/transformer"
	"github.com/vitaliisemenov/syncengine/internal/viewsyncer"
)

// CoordinatorFactory builds and starts the Coordinator owning
// clientGroupID the first time a connection for that client-group
// arrives; the Hub registers the returned Coordinator into its Registry.
// Returning an existing,
// already-running Coordinator is also valid (e.g. this process already
// owns the group).
type CoordinatorFactory func(ctx context.Context, clientGroupID string) (*viewsyncer.Coordinator, error)

// Hub owns the HTTP-to-WebSocket upgrade path and routes every connected
// client's frames to its client-group's Coordinator, plus inspect
// messages to the Inspector. Grounded on the teacher's WebSocketHub
// register/unregister/broadcast shape, generalized from one global hub to
// one Coordinator per client-group with connections fanning into it.
type Hub struct {
	Registry   *viewsyncer.Registry
	NewCoord   CoordinatorFactory
	Inspector  *inspector.Inspector
	ConnLimiter *RateLimiter

	logger *slog.Logger

	mu          sync.Mutex
	startingGrp map[string]chan struct{}
}

// NewHub constructs a Hub. connLimiter may be nil to disable connection
// rate limiting.
func NewHub(registry *viewsyncer.Registry, factory CoordinatorFactory, insp *inspector.Inspector, connLimiter *RateLimiter, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		Registry:    registry,
		NewCoord:    factory,
		Inspector:   insp,
		ConnLimiter: connLimiter,
		logger:      logger,
		startingGrp: make(map[string]chan struct{}),
	}
}

// ServeHTTP upgrades an incoming request at /sync/v{N}/connect into a
// WebSocket connection, per §6.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params, warnings, err := protocol.ParseConnectionURL(r.URL.Path, r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, warn := range warnings {
		h.logger.Warn("connection parameter warning", "warning", warn, "clientGroupID", params.ClientGroupID)
	}

	if h.ConnLimiter != nil && !h.ConnLimiter.Allow(remoteKey(r)) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := NewConnection(w, r, params.ClientID, params.WSID, h.logger)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	ctx := r.Context()
	coord, err := h.coordinatorFor(ctx, params.ClientGroupID)
	if err != nil {
		conn.Disconnect(protocol.NewError(protocol.KindInternal, "could not acquire client-group: "+err.Error()))
		return
	}

	go h.serveConnection(ctx, coord, conn, params)
}

// coordinatorFor returns the running Coordinator for clientGroupID,
// creating it via NewCoord at most once per group even under concurrent
// first connections.
func (h *Hub) coordinatorFor(ctx context.Context, clientGroupID string) (*viewsyncer.Coordinator, error) {
	if coord, ok := h.Registry.Get(clientGroupID); ok {
		return coord, nil
	}

	h.mu.Lock()
	if wait, starting := h.startingGrp[clientGroupID]; starting {
		h.mu.Unlock()
		<-wait
		if coord, ok := h.Registry.Get(clientGroupID); ok {
			return coord, nil
		}
		return nil, errCoordinatorUnavailable(clientGroupID)
	}
	done := make(chan struct{})
	h.startingGrp[clientGroupID] = done
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.startingGrp, clientGroupID)
		h.mu.Unlock()
		close(done)
	}()

	coord, err := h.NewCoord(ctx, clientGroupID)
	if err != nil {
		return nil, err
	}
	h.Registry.Register(coord)
	return coord, nil
}

// serveConnection drains conn.Inbound, dispatching each frame to the
// coordinator or the Inspector until the connection closes.
func (h *Hub) serveConnection(ctx context.Context, coord *viewsyncer.Coordinator, conn *Connection, params protocol.ConnectionParams) {
	defer conn.Close()

	initialized := false
	resolverURL := ""
	var auth transformer.AuthData

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case frame, ok := <-conn.Inbound:
			if !ok {
				return
			}
			switch frame.Tag {
			case protocol.TagInitConnection:
				var body protocol.ChangeDesiredQueriesBody
				if err := json.Unmarshal(frame.Body, &body); err != nil {
					conn.Disconnect(protocol.NewError(protocol.KindInvalidMessage, "malformed initConnection"))
					return
				}
				if err := coord.InitConnection(ctx, conn, params, resolverURL, auth, body); err != nil {
					conn.Disconnect(protocol.NewError(protocol.KindInternal, err.Error()))
					return
				}
				initialized = true

			case protocol.TagChangeDesiredQueries:
				if !initialized {
					conn.Disconnect(protocol.NewError(protocol.KindInvalidMessage, "changeDesiredQueries before initConnection"))
					return
				}
				var body protocol.ChangeDesiredQueriesBody
				if err := json.Unmarshal(frame.Body, &body); err != nil {
					conn.Disconnect(protocol.NewError(protocol.KindInvalidMessage, "malformed changeDesiredQueries"))
					return
				}
				if err := coord.ChangeDesiredQueries(ctx, conn.ClientID(), body); err != nil {
					conn.Disconnect(protocol.NewError(protocol.KindInternal, err.Error()))
					return
				}

			case protocol.TagInspect:
				var body protocol.InspectBody
				if err := json.Unmarshal(frame.Body, &body); err != nil {
					conn.Disconnect(protocol.NewError(protocol.KindInvalidMessage, "malformed inspect"))
					return
				}
				resp := h.Inspector.Dispatch(ctx, coord.ClientGroupID(), body)
				respBody, err := json.Marshal(resp)
				if err != nil {
					h.logger.Error("marshal inspect response", "error", err)
					continue
				}
				conn.Enqueue(protocol.Frame{Tag: protocol.TagInspect, Body: respBody})

			case protocol.TagPush:
				if !initialized {
					conn.Disconnect(protocol.NewError(protocol.KindInvalidMessage, "push before initConnection"))
					return
				}
				var body protocol.PushBody
				if err := json.Unmarshal(frame.Body, &body); err != nil {
					conn.Disconnect(protocol.NewError(protocol.KindInvalidMessage, "malformed push"))
					return
				}
				if err := coord.ApplyPush(ctx, conn.ClientID(), body); err != nil {
					h.logger.Error("apply push", "error", err, "clientID", conn.ClientID())
					errBody, marshalErr := json.Marshal(protocol.NewError(protocol.KindPushFailed, err.Error()))
					if marshalErr != nil {
						h.logger.Error("marshal push error", "error", marshalErr)
						continue
					}
					conn.Enqueue(protocol.Frame{Tag: protocol.TagError, Body: errBody})
				}

			case protocol.TagPing:
				conn.Enqueue(protocol.Frame{Tag: protocol.TagPong, Body: json.RawMessage("{}")})

			default:
				h.logger.Debug("unhandled inbound tag", "tag", frame.Tag, "clientID", conn.ClientID())
			}
		}
	}
}

func remoteKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.SplitN(forwarded, ",", 2)[0]
	}
	return r.RemoteAddr
}

type errCoordinatorUnavailable string

func (e errCoordinatorUnavailable) Error() string {
	return "transport: coordinator for client-group " + string(e) + " did not become available"
}
