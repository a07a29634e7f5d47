package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"chulah/checkout/internal/order"
	"chulah/checkout/internal/websocket"
	"chulah/checkout/pkg/contracts"
	"chulah/checkout/pkg/messaging"
)

// eventNotifier publishes status changes for stores without an outbox. With no
// broker configured, or when publishing fails, it feeds the local hub directly.
type eventNotifier struct {
	publisher messaging.Publisher
	hub       *websocket.Hub
	logger    *slog.Logger
}

func newEventNotifier(publisher messaging.Publisher, hub *websocket.Hub, logger *slog.Logger) *eventNotifier {
	return &eventNotifier{publisher: publisher, hub: hub, logger: logger}
}

func (n *eventNotifier) OrderStatusChanged(ctx context.Context, o *order.Order) {
	if n.publisher == nil {
		n.hub.Broadcast(websocket.UpdateFromOrder(o))
		return
	}

	payload, err := json.Marshal(order.StatusChangedEvent(o))
	if err != nil {
		n.logger.Error("marshal status event", "order_id", o.ID, "err", err)
		n.hub.Broadcast(websocket.UpdateFromOrder(o))
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := n.publisher.Publish(pubCtx, contracts.EventOrderStatusChanged, payload); err != nil {
		n.logger.Warn("publish status event failed", "order_id", o.ID, "err", err)
		n.hub.Broadcast(websocket.UpdateFromOrder(o))
	}
}
