package delivery

import (
	"encoding/json"
	"fmt"
	"time"
)

// PayloadFormat selects the shape of the rendered webhook body.
type PayloadFormat string

const (
	// FormatGeneric is the default envelope: the full event plus metadata.
	FormatGeneric PayloadFormat = "generic"
	// FormatSlack renders a Slack-compatible text message.
	FormatSlack PayloadFormat = "slack"
)

// RenderPayload serializes the event in the given format. The returned bytes
// are the exact body the sender will POST; signatures are computed over them
// as-is, so they must not be re-serialized downstream.
func RenderPayload(format PayloadFormat, deliveryID string, ev ChainEvent) ([]byte, error) {
	switch format {
	case FormatGeneric, "":
		return json.Marshal(map[string]any{
			"delivery_id": deliveryID,
			"type":        "chain.event",
			"event":       ev,
			"sent_at":     time.Now().UTC().Format(time.RFC3339Nano),
		})
	case FormatSlack:
		text := fmt.Sprintf("`%s` emitted by `%s` in block %d (tx %s)",
			ev.EventName, ev.ContractAddress, ev.BlockNumber, ev.TxHash)
		return json.Marshal(map[string]any{"text": text})
	default:
		return nil, fmt.Errorf("unknown payload format %q", format)
	}
}
