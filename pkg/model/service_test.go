package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckConfigJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		interval time.Duration
		timeout  time.Duration
	}{
		{"duration strings", `{"endpoint":"/health","interval":"10s","timeout":"1.5s"}`, 10 * time.Second, 1500 * time.Millisecond},
		{"nanoseconds", `{"endpoint":"/health","interval":10000000000,"timeout":0}`, 10 * time.Second, 0},
		{"omitted", `{"endpoint":"/health"}`, 0, 0},
		{"empty and null", `{"endpoint":"/health","interval":"","timeout":null}`, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h HealthCheckConfig
			require.NoError(t, json.Unmarshal([]byte(tt.input), &h))
			assert.Equal(t, "/health", h.Endpoint)
			assert.Equal(t, tt.interval, h.Interval)
			assert.Equal(t, tt.timeout, h.Timeout)
		})
	}
}

func TestHealthCheckConfigJSONInvalid(t *testing.T) {
	var h HealthCheckConfig
	assert.Error(t, json.Unmarshal([]byte(`{"interval":"soon"}`), &h))
	assert.Error(t, json.Unmarshal([]byte(`{"timeout":true}`), &h))
}

func TestServiceDefinitionJSONDurations(t *testing.T) {
	def := ServiceDefinition{
		Name:   "pricing",
		Health: HealthCheckConfig{Endpoint: "/health", Interval: 10 * time.Second, Timeout: 2 * time.Second},
	}

	data, err := json.Marshal(def)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"interval":"10s"`)
	assert.Contains(t, string(data), `"timeout":"2s"`)

	var decoded ServiceDefinition
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, def.Health, decoded.Health)
}
