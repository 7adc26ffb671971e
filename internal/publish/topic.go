package publish

import "strings"

// UnknownMeterSegment substitutes for {meter_id} when the meter could not
// be identified, instead of failing the publish.
const UnknownMeterSegment = "unknown"

// renderTopic substitutes job fields into a topic template. Templates are
// validated for required placeholders at configuration time, so rendering
// is a pure function with no failure mode.
func renderTopic(template, gatewayID, meterID, ingestID string) string {
	if meterID == "" {
		meterID = UnknownMeterSegment
	}

	r := strings.NewReplacer(
		"{gateway_id}", gatewayID,
		"{meter_id}", meterID,
		"{ingest_id}", ingestID,
	)
	return r.Replace(template)
}
