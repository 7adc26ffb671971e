package dto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyPayload_Validate(t *testing.T) {
	tests := []struct {
		name    string
		keyHex  string
		wantErr bool
	}{
		{name: "valid aes-128 key", keyHex: strings.Repeat("0f", 16), wantErr: false},
		{name: "uppercase hex accepted", keyHex: strings.Repeat("0F", 16), wantErr: false},
		{name: "too short", keyHex: strings.Repeat("0f", 8), wantErr: true},
		{name: "too long", keyHex: strings.Repeat("0f", 32), wantErr: true},
		{name: "not hex", keyHex: strings.Repeat("zz", 16), wantErr: true},
		{name: "empty", keyHex: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := KeyPayload{KeyHex: tt.keyHex}.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
