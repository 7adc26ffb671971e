package dto

import (
	"encoding/hex"
	"fmt"
)

// IngestTelegramRequest is the gateway-facing ingest payload.
type IngestTelegramRequest struct {
	GatewayID    string         `json:"gateway_id" binding:"required"`
	RawHex       string         `json:"raw_hex" binding:"required"`
	KeyHex       string         `json:"key_hex"`
	MeterID      string         `json:"meter_id"`
	Manufacturer string         `json:"manufacturer"`
	ReceivedAt   string         `json:"rx_time"`
	RSSI         *int           `json:"rssi"`
	LQI          *int           `json:"lqi"`
	Metadata     map[string]any `json:"metadata"`
}

// IngestTelegramResponse acknowledges an accepted or deduplicated telegram.
type IngestTelegramResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// aes128KeyLen is the expected decryption key length in bytes.
const aes128KeyLen = 16

// KeyPayload carries a decryption key for provisioning.
type KeyPayload struct {
	KeyHex string `json:"key_hex" binding:"required"`
}

// Validate checks the key is a well-formed AES-128 key in hex.
func (p KeyPayload) Validate() error {
	raw, err := hex.DecodeString(p.KeyHex)
	if err != nil {
		return fmt.Errorf("key_hex must be a hex string")
	}
	if len(raw) != aes128KeyLen {
		return fmt.Errorf("key_hex must be %d hex characters", aes128KeyLen*2)
	}
	return nil
}
