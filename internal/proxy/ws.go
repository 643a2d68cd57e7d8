package proxy

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/buildkite/rcssd/internal/client"
	"github.com/buildkite/rcssd/internal/rcsscmd"
	"github.com/buildkite/rcssd/internal/rcsserr"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsSinkCapacity = 32

// handleWS implements the WebSocket half of spec.md §4.8: acquire or reuse
// a Client Core, connect it (idempotently), and run a bidirectional relay
// until either side closes.
func (f *FrontDoor) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID, err := uuid.Parse(chi.URLParam(r, "client_id"))
	if err != nil {
		http.Error(w, "invalid client_id", http.StatusBadRequest)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "ws-" + clientID.String()
	}

	core := f.sessions.GetOrCreate(clientID, name, f.cfg.EnginePeerAddr)

	sink := client.NewSink(wsSinkCapacity)
	subID := core.Subscribe(sink)
	defer core.Unsubscribe(subID)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("websocket upgrade failed for %s: %v", clientID, err)
		return
	}
	defer conn.Close()
	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	if err := f.ensureConnected(r.Context(), core); err != nil {
		f.log.Warn("client %s failed to connect to engine: %v", clientID, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "engine connect failed"),
			time.Now().Add(time.Second))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.wsReadLoop(gctx, conn, core) })
	g.Go(func() error { return f.wsWriteLoop(gctx, conn, sink) })

	if err := g.Wait(); err != nil {
		f.log.Debug("websocket session %s ended: %v", clientID, err)
	}
}

// ensureConnected pushes the init payload and connects core, treating
// ErrAlreadyConnected as success.
func (f *FrontDoor) ensureConnected(ctx context.Context, core *client.Core) error {
	if core.Status() == client.Disconnected {
		init := rcsscmd.Init{Version: f.cfg.ProtocolVersion}
		select {
		case core.Outbound() <- client.Payload(init.Encode()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	err := core.Connect(ctx)
	if err == rcsserr.ErrAlreadyConnected {
		return nil
	}
	return err
}

func (f *FrontDoor) wsReadLoop(ctx context.Context, conn *websocket.Conn, core *client.Core) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch msgType {
		case websocket.TextMessage:
			select {
			case core.Outbound() <- client.Payload(data):
			case <-ctx.Done():
				return ctx.Err()
			}
		case websocket.BinaryMessage:
			// Reserved for control frames; echoed back verbatim.
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return err
			}
		}
		// Ping/Pong/Close control frames never reach here: gorilla/websocket's
		// ReadMessage intercepts them and invokes the handlers set above
		// before returning a data message.
	}
}

func (f *FrontDoor) wsWriteLoop(ctx context.Context, conn *websocket.Conn, sink *client.Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-sink.Ch:
			if !ok {
				return nil
			}
			frameType := websocket.BinaryMessage
			if isControlFrame(string(p)) {
				frameType = websocket.TextMessage
			}
			if err := conn.WriteMessage(frameType, []byte(p)); err != nil {
				return err
			}
		}
	}
}

// isControlFrame distinguishes known reply/control shapes (delivered as
// Text) from raw game data (delivered as Binary).
func isControlFrame(p string) bool {
	return strings.HasPrefix(p, "(ok") || strings.HasPrefix(p, "(error") || strings.HasPrefix(p, "(init")
}
