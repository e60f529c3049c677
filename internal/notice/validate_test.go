package notice

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSend() SendRequest {
	return SendRequest{
		Message:    "deploy finished",
		Type:       TypeTask,
		Priority:   PriorityMedium,
		TargetUser: "u1",
	}
}

func TestValidateSendFireAndForget(t *testing.T) {
	require.NoError(t, ValidateSend(validSend()))
}

func TestValidateSendRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*SendRequest)
		field  string
	}{
		{"empty message", func(r *SendRequest) { r.Message = "" }, "message"},
		{"missing target", func(r *SendRequest) { r.TargetUser = "" }, "target_user"},
		{"bad type", func(r *SendRequest) { r.Type = "chat" }, "type"},
		{"bad priority", func(r *SendRequest) { r.Priority = "asap" }, "priority"},
		{"response without type", func(r *SendRequest) {
			r.ResponseRequested = true
			r.TimeoutSeconds = 30
		}, "response_type"},
		{"multiple choice without options", func(r *SendRequest) {
			r.ResponseRequested = true
			r.ResponseType = ResponseMultipleChoice
			r.TimeoutSeconds = 30
		}, "response_options"},
		{"options on yes_no", func(r *SendRequest) {
			r.ResponseRequested = true
			r.ResponseType = ResponseYesNo
			r.ResponseOptions = []string{"yes", "no"}
			r.TimeoutSeconds = 30
		}, "response_options"},
		{"zero timeout", func(r *SendRequest) {
			r.ResponseRequested = true
			r.ResponseType = ResponseYesNo
		}, "timeout_seconds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validSend()
			tc.mutate(&req)
			err := ValidateSend(req)
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestNormalizeSendDefaults(t *testing.T) {
	req := SendRequest{Message: "m", TargetUser: "u1"}
	NormalizeSend(&req)
	assert.Equal(t, TypeCustom, req.Type)
	assert.Equal(t, PriorityMedium, req.Priority)
	require.NoError(t, ValidateSend(req))
}

func TestEnvelopeWireShape(t *testing.T) {
	env := NewEnvelope(EventNotification, map[string]any{"message": "hi", "priority": PriorityUrgent})
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, EventNotification, decoded["type"])
	assert.Equal(t, "hi", decoded["message"])
	assert.Equal(t, PriorityUrgent, decoded["priority"])
	assert.Contains(t, decoded, "timestamp")
}

func TestIsUrgent(t *testing.T) {
	assert.True(t, IsUrgent(PriorityUrgent))
	assert.True(t, IsUrgent(PriorityHigh))
	assert.False(t, IsUrgent(PriorityMedium))
	assert.False(t, IsUrgent(PriorityLow))
}
