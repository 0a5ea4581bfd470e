package stream

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Relay republishes upstream market-data frames to subscribed dashboard
// clients. Ticker frames become hub messages on the "ticker:<symbol>"
// topic.
type Relay struct {
	hub    *Hub
	logger *zap.Logger
}

type tickerFrame struct {
	Symbol string `json:"symbol"`
}

// NewRelay wires a manager's ticker messages into the hub.
func NewRelay(manager *Manager, hub *Hub, logger *zap.Logger) *Relay {
	r := &Relay{hub: hub, logger: logger}
	manager.AddTypeListener("ticker", r.onTicker)
	return r
}

func (r *Relay) onTicker(ev Event) {
	if ev.Message == nil {
		return
	}
	var frame tickerFrame
	if err := json.Unmarshal(ev.Message.Data, &frame); err != nil || frame.Symbol == "" {
		r.logger.Debug("ticker frame without symbol dropped", zap.String("conn_id", ev.ConnID))
		return
	}
	r.hub.Publish("ticker:"+frame.Symbol, ev.Message.Data)
}
