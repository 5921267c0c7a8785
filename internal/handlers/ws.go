package handlers

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gluk-w/natmap-sync/internal/logging"
)

// maxCloseReason is the longest close reason a websocket close frame carries.
const maxCloseReason = 123

// wsConn adapts a websocket connection to hub.Conn.
type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Write(ctx context.Context, msg []byte) error {
	return w.c.Write(ctx, websocket.MessageText, msg)
}

func (w wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w wsConn) Close(reason string) error {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	return w.c.Close(websocket.StatusGoingAway, reason)
}

// MappingsWS registers the connection as a subscriber. Inbound messages are
// read and discarded; a read error ends the subscription.
func (a *API) MappingsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logging.Warnf("[ws] accept from %s: %v", logging.Sanitize(r.RemoteAddr), err)
		return
	}

	sub := a.Hub.Register(wsConn{c: conn})
	defer a.Hub.Unregister(sub.ID)

	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			logging.Debugf("[ws] subscriber %s read ended: %v", sub.ID, err)
			return
		}
	}
}
