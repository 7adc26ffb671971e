package publish

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTopic(t *testing.T) {
	tests := []struct {
		name     string
		template string
		meterID  string
		want     string
	}{
		{
			name:     "parsed topic with meter id",
			template: "oms/v1/gw/{gateway_id}/meter/{meter_id}/reading",
			meterID:  "12345678",
			want:     "oms/v1/gw/gw-1/meter/12345678/reading",
		},
		{
			name:     "missing meter id falls back to unknown",
			template: "oms/v1/gw/{gateway_id}/meter/{meter_id}/reading",
			meterID:  "",
			want:     "oms/v1/gw/gw-1/meter/unknown/reading",
		},
		{
			name:     "raw topic with ingest id",
			template: "oms/v1/gw/{gateway_id}/raw/{ingest_id}",
			meterID:  "12345678",
			want:     "oms/v1/gw/gw-1/raw/job-7",
		},
		{
			name:     "template without placeholders is returned verbatim",
			template: "oms/static",
			meterID:  "12345678",
			want:     "oms/static",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderTopic(tt.template, "gw-1", tt.meterID, "job-7")
			assert.Equal(t, tt.want, got)
		})
	}
}
