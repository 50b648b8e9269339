package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/kodiq/kodiqd/internal/events"
	"github.com/kodiq/kodiqd/internal/logging"
	"github.com/kodiq/kodiqd/internal/sshterminal"
)

// MessageRateLimit is the sustained number of input messages accepted per
// second per websocket. Messages beyond it are dropped.
const MessageRateLimit = 100

// MessageRateBurst lets pastes through before the limit applies.
const MessageRateBurst = 200

// MaxInputMessageSize is the websocket read limit. Larger frames close the
// connection.
const MaxInputMessageSize = 64 * 1024

const (
	wsSubscriberBuffer = 1024
	wsWriteTimeout     = 10 * time.Second
)

// wsMessage is a client-to-server frame.
type wsMessage struct {
	Type string `json:"type"` // "input" or "resize"
	ID   string `json:"id"`
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// EventsWS streams every engine event to the client as
// {"event": ..., "payload": ...} text frames and accepts input and resize
// frames for local and SSH terminals.
func (a *API) EventsWS(w http.ResponseWriter, r *http.Request) {
	log := logging.Module("ws")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*", "tauri.localhost"},
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to accept event websocket")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(MaxInputMessageSize)

	sub := a.Bus.Subscribe(wsSubscriberBuffer)
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for ev := range sub.C() {
			data, err := events.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Msg("marshal event")
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		// The bus dropped us for lagging.
		conn.Close(websocket.StatusTryAgainLater, "event stream lagging")
	}()

	limiter := rate.NewLimiter(rate.Limit(MessageRateLimit), MessageRateBurst)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.Allow() {
			continue
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Msg("ignoring malformed websocket frame")
			continue
		}
		a.dispatch(msg)
	}
}

func (a *API) dispatch(msg wsMessage) {
	var s sessionIO = a.Terminals
	if strings.HasPrefix(msg.ID, sshterminal.IDPrefix+"-") {
		s = a.SSHTerminals
	}
	switch msg.Type {
	case "input":
		s.Write(msg.ID, []byte(msg.Data))
	case "resize":
		s.Resize(msg.ID, msg.Cols, msg.Rows)
	}
}
