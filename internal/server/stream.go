package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"inboxbot/internal/bus"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
	streamReplayMax  = 24 * time.Hour
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Callers authenticate with a bearer key, not cookies.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// stream pushes pipeline activity to a websocket client. Optional query
// parameters: channel and sender filter, since (RFC 3339) replays buffered
// activity first. Slow clients lose activity rather than stall the
// pipeline.
func (a *API) stream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filterChannel, filterSender := q.Get("channel"), q.Get("sender")
	var since time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		if floor := time.Now().Add(-streamReplayMax); t.Before(floor) {
			t = floor
		}
		since = t
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("activity stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	match := func(act bus.Activity) bool {
		return (filterChannel == "" || act.Channel == filterChannel) &&
			(filterSender == "" || act.SenderID == filterSender)
	}

	ch := make(chan bus.Activity, streamBuffer)
	id := a.feed.On("*", func(act bus.Activity) {
		if !match(act) {
			return
		}
		select {
		case ch <- act:
		default:
		}
	})
	defer a.feed.Off("*", id)
	a.logger.Info("activity stream connected", "request_id", RequestID(r.Context()))

	// Reader: only needed to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(v)
	}

	if !since.IsZero() {
		for _, act := range a.feed.Replay("*", since) {
			if match(act) {
				if err := write(act); err != nil {
					return
				}
			}
		}
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case act := <-ch:
			if err := write(act); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-closed:
			a.logger.Info("activity stream disconnected", "request_id", RequestID(r.Context()))
			return
		case <-r.Context().Done():
			return
		}
	}
}
