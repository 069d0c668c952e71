// Package seeder publishes synthetic blockchain events for load and demo
// runs.
package seeder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
)

// Event types produced by the generator.
var eventTypes = []string{"eth_price", "eth_gas", "erc20_transfer"}

var erc20Tokens = []string{"USDC", "USDT", "DAI", "WETH", "LINK", "UNI"}

// wireEvent is the producer-side wire format. Partition and offset are
// assigned by the transport.
type wireEvent struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	EventTime   time.Time       `json:"event_time"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
}

// GenerateEvent creates one synthetic event of the given type. The payload
// hash is the hex SHA-256 of the payload bytes, matching what the pipeline
// reconciles on.
func GenerateEvent(eventType string, eventTime time.Time) ([]byte, error) {
	payload, err := generatePayload(eventType)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(payload)
	event := wireEvent{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		EventTime:   eventTime.UTC(),
		Payload:     payload,
		PayloadHash: hex.EncodeToString(sum[:]),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

func generatePayload(eventType string) (json.RawMessage, error) {
	var payload map[string]interface{}

	switch eventType {
	case "eth_price":
		payload = map[string]interface{}{
			"symbol":    "ETH/USD",
			"price_usd": gofakeit.Float64Range(1500, 4500),
			"volume":    gofakeit.Float64Range(1e6, 5e8),
			"source":    gofakeit.RandomString([]string{"coinbase", "binance", "kraken"}),
		}
	case "eth_gas":
		payload = map[string]interface{}{
			"block_number":      gofakeit.Number(19_000_000, 21_000_000),
			"base_fee_gwei":     gofakeit.Float64Range(5, 120),
			"priority_fee_gwei": gofakeit.Float64Range(0.1, 10),
		}
	case "erc20_transfer":
		payload = map[string]interface{}{
			"token":        gofakeit.RandomString(erc20Tokens),
			"contract":     hexAddress(),
			"from_address": hexAddress(),
			"to_address":   hexAddress(),
			"amount":       gofakeit.Float64Range(0.01, 1e6),
			"tx_hash":      hexBytes(32),
		}
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

func hexAddress() string {
	return hexBytes(20)
}

func hexBytes(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return "0x" + hex.EncodeToString(b)
}

// jitteredTime spreads event i of total across the window ending at now,
// with ±40% jitter so timestamps look organic.
func jitteredTime(now time.Time, timeSpread time.Duration, i, total int) time.Time {
	if timeSpread <= 0 || total <= 0 {
		return now
	}

	baseInterval := float64(timeSpread) / float64(total)
	baseOffset := time.Duration(float64(i) * baseInterval)

	jitterRange := baseInterval * 0.4
	jitter := time.Duration((rand.Float64()*2.0 - 1.0) * jitterRange)

	totalOffset := baseOffset + jitter
	if totalOffset < 0 {
		totalOffset = 0
	}
	if totalOffset > timeSpread {
		totalOffset = timeSpread
	}

	return now.Add(-(timeSpread - totalOffset))
}
