package dispatch

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tiger-webhook/internal/bridgeerr"
	"tiger-webhook/pkg/types"
)

// WebhookRequest is the raw inbound webhook body, spec.md §6. Every field
// is a string so alert-source templating quirks (numeric-as-string sizes,
// missing timestamps) don't fail JSON decoding before validation runs.
type WebhookRequest struct {
	AccountName        string `json:"account_name"`
	Side               string `json:"side"`
	Size               string `json:"size"`
	MarketPosition     string `json:"market_position"`
	PrevMarketPosition string `json:"prev_market_position"`
	Underlying         string `json:"underlying"`
	TVID               string `json:"tv_id"`
	Comment            string `json:"comment"`
	Timestamp          string `json:"timestamp"`
}

// BuildSignal converts a WebhookRequest into a types.Signal, synthesizing a
// correlation_id when tv_id is absent and assigning the receipt time when
// timestamp is absent. Field-presence and range validation still happens
// in Dispatch; this only maps shapes.
func BuildSignal(req WebhookRequest, now time.Time) (types.Signal, error) {
	const op = "dispatch.BuildSignal"

	side, err := parseSide(req.Side)
	if err != nil {
		return types.Signal{}, err
	}

	size, err := decimal.NewFromString(strings.TrimSpace(req.Size))
	if err != nil {
		return types.Signal{}, bridgeerr.Wrap(bridgeerr.Validation, op, "size must be numeric", err)
	}

	transition, err := parseTransition(req.PrevMarketPosition, req.MarketPosition)
	if err != nil {
		return types.Signal{}, err
	}

	correlationID := strings.TrimSpace(req.TVID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	receivedAt := now
	if ts := strings.TrimSpace(req.Timestamp); ts != "" {
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return types.Signal{}, bridgeerr.Wrap(bridgeerr.Validation, op, "timestamp must be RFC3339", err)
		}
		receivedAt = parsed
	}

	return types.Signal{
		AccountID:          strings.TrimSpace(req.AccountName),
		Side:               side,
		PositionTransition: transition,
		Size:               size,
		Underlying:         strings.ToUpper(strings.TrimSpace(req.Underlying)),
		CorrelationID:      correlationID,
		Comment:            req.Comment,
		ReceivedAt:         receivedAt,
	}, nil
}

func parseSide(raw string) (types.Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy":
		return types.Buy, nil
	case "sell":
		return types.Sell, nil
	default:
		return "", bridgeerr.New(bridgeerr.Validation, "dispatch.parseSide", "side must be buy or sell, got "+raw)
	}
}

// parseTransition maps the webhook's prev/current market_position pair
// onto the PositionTransition enum. flat->flat is rejected as a no-op
// signal rather than silently accepted.
func parseTransition(prev, cur string) (types.PositionTransition, error) {
	prev = strings.ToLower(strings.TrimSpace(prev))
	cur = strings.ToLower(strings.TrimSpace(cur))

	switch {
	case prev == "flat" && cur == "long":
		return types.FlatToLong, nil
	case prev == "flat" && cur == "short":
		return types.FlatToShort, nil
	case prev == "long" && cur == "flat":
		return types.LongToFlat, nil
	case prev == "short" && cur == "flat":
		return types.ShortToFlat, nil
	case prev == "long" && cur == "short":
		return types.LongToShort, nil
	case prev == "short" && cur == "long":
		return types.ShortToLong, nil
	case prev == "long" && cur == "long":
		return types.LongToLong, nil
	case prev == "short" && cur == "short":
		return types.ShortToShort, nil
	default:
		return "", bridgeerr.New(bridgeerr.Validation, "dispatch.parseTransition", "unrecognized market_position transition "+prev+"->"+cur)
	}
}
