// Package mailbox defines the contract between the email transport and the
// task coordinator. Delivery is at-least-once; the coordinator deduplicates
// downstream by order id.
package mailbox

import (
	"encoding/json"
	"fmt"

	"github.com/wordflow/autopilot/internal/entity"
)

// OfferHandler receives each parsed task offer.
type OfferHandler func(offer entity.TaskOffer)

// Listener is the email transport. Start blocks until Stop is called or the
// connection dies.
type Listener interface {
	Start(handler OfferHandler) error
	Stop() error
}

// ParseOffer decodes the JSON payload the transport extracts from a
// notification mail, validating the fields the pipeline depends on.
func ParseOffer(raw []byte) (entity.TaskOffer, error) {
	var offer entity.TaskOffer
	if err := json.Unmarshal(raw, &offer); err != nil {
		return entity.TaskOffer{}, fmt.Errorf("unparseable offer payload: %w", err)
	}
	if offer.OrderID == "" {
		return entity.TaskOffer{}, fmt.Errorf("offer is missing an order id")
	}
	if offer.AmountWords < 0 {
		return entity.TaskOffer{}, fmt.Errorf("offer %s has negative word count", offer.OrderID)
	}
	if offer.Status == "" {
		offer.Status = entity.OfferActive
	}
	return offer, nil
}
