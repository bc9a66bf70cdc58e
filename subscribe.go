package restsync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type SubscriptionSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultSubscriptionSettings() *SubscriptionSettings {
	return &SubscriptionSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
	}
}

// a push-based alternative to polling Fetch.
// dials a websocket endpoint that streams json resource lists, and feeds
// each list into the set's Reconcile. reconnects on error until closed
type Subscription struct {
	ctx    context.Context
	cancel context.CancelFunc

	set              *EntitySet
	wsUrl            string
	reconcileOptions *ReconcileOptions

	settings *SubscriptionSettings
}

func NewSubscriptionWithDefaults(ctx context.Context, set *EntitySet, wsUrl string) *Subscription {
	return NewSubscription(ctx, set, wsUrl, DefaultReconcileOptions(), DefaultSubscriptionSettings())
}

func NewSubscription(
	ctx context.Context,
	set *EntitySet,
	wsUrl string,
	reconcileOptions *ReconcileOptions,
	settings *SubscriptionSettings,
) *Subscription {
	cancelCtx, cancel := context.WithCancel(ctx)
	subscription := &Subscription{
		ctx:              cancelCtx,
		cancel:           cancel,
		set:              set,
		wsUrl:            wsUrl,
		reconcileOptions: reconcileOptions,
		settings:         settings,
	}
	go subscription.run()
	return subscription
}

func (self *Subscription) Close() {
	self.cancel()
}

func (self *Subscription) run() {
	defer self.cancel()

	for {
		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.wsUrl, nil)
		if err != nil {
			glog.Infof("[sub]connect error %s = %s\n", self.wsUrl, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.PingMessage, make([]byte, 0)); err != nil {
							// note that for websocket a deadline timeout cannot be recovered
							return
						}
					}
				}
			}()

			for {
				select {
				case <-handleCtx.Done():
					return
				default:
				}

				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				messageType, message, err := ws.ReadMessage()
				if err != nil {
					glog.Infof("[sub]read error %s = %s\n", self.wsUrl, err)
					return
				}

				switch messageType {
				case websocket.TextMessage, websocket.BinaryMessage:
					var result any
					if err := json.Unmarshal(message, &result); err != nil {
						glog.Infof("[sub]message codec error = %s\n", err)
						continue
					}
					resources, err := resourceList(result)
					if err != nil {
						glog.Infof("[sub]message shape error = %s\n", err)
						continue
					}
					self.set.Reconcile(resources, self.reconcileOptions)
					glog.V(2).Infof("[sub]reconcile %d\n", len(resources))
				}
			}
		}
		c()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}
