package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

const bidiDialTimeout = 10 * time.Second

// BiDi relays a client websocket to the upstream BiDi endpoint of a session
type BiDi struct {
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	logger   *zap.Logger
	stats    tally.Scope
}

// NewBiDi creates a websocket relay
func NewBiDi(logger *zap.Logger, stats tally.Scope) *BiDi {
	return &BiDi{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		dialer: websocket.DefaultDialer,
		logger: logger.Named("bidi"),
		stats:  stats.SubScope("bidi"),
	}
}

// Serve dials target, upgrades the client connection and pumps frames both
// ways until either side closes or life is done. The upstream is dialed
// first so a dial failure can still be answered over plain HTTP by the caller.
func (b *BiDi) Serve(life context.Context, w http.ResponseWriter, r *http.Request, target string) error {
	dctx, cancel := context.WithTimeout(r.Context(), bidiDialTimeout)
	defer cancel()

	upstream, _, err := b.dialer.DialContext(dctx, target, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", target, err)
	}
	defer upstream.Close()

	client, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client
		b.logger.Warn("failed to upgrade connection", zap.Error(err))
		return nil
	}
	defer client.Close()

	b.stats.Counter("connections").Inc(1)
	b.logger.Info("relaying BiDi connection", zap.String("target", target))

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	stop := context.AfterFunc(life, func() {
		b.logger.Info("closing BiDi connection, session ended", zap.String("target", target))
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "session ended")
		_ = client.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = upstream.WriteControl(websocket.CloseMessage, msg, deadline)
		closeBoth()
	})
	defer stop()

	errc := make(chan error, 2)
	go func() {
		errc <- b.pump(client, upstream, "client->upstream")
		closeBoth()
	}()
	go func() {
		errc <- b.pump(upstream, client, "upstream->client")
		closeBoth()
	}()

	first := <-errc
	<-errc

	b.logger.Info("BiDi connection closed", zap.String("target", target))
	if life.Err() != nil {
		return nil
	}
	if first != nil && !isNormalClose(first) {
		return first
	}
	return nil
}

func (b *BiDi) pump(src, dst *websocket.Conn, direction string) error {
	for {
		kind, msg, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Debug("websocket read ended", zap.String("direction", direction), zap.Error(err))
			}
			if ce := (*websocket.CloseError)(nil); errors.As(err, &ce) {
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(ce.Code, ce.Text), time.Now().Add(time.Second))
			}
			return err
		}
		if err := dst.WriteMessage(kind, msg); err != nil {
			b.logger.Debug("websocket write failed", zap.String("direction", direction), zap.Error(err))
			return err
		}
		b.stats.Counter("frames").Inc(1)
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
