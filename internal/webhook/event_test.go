package webhook

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent_RoomAsString(t *testing.T) {
	t.Parallel()
	ev, err := DecodeEvent([]byte(`{"type":"room_started","room":"seminar-42"}`))
	require.NoError(t, err)
	assert.Equal(t, EventRoomStarted, ev.Type)
	assert.Equal(t, "seminar-42", ev.Room.Name)
}

func TestDecodeEvent_RoomAsObject(t *testing.T) {
	t.Parallel()
	ev, err := DecodeEvent([]byte(`{
		"event": "room_finished",
		"id": "EV_1",
		"room": {"name": "seminar-7", "sid": "RM_1", "metadata": "{\"session_id\":\"x\"}"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, EventRoomFinished, ev.Type)
	assert.Equal(t, "EV_1", ev.ID)
	assert.Equal(t, Room{Name: "seminar-7", SID: "RM_1", Metadata: `{"session_id":"x"}`}, ev.Room)
}

func TestDecodeEvent_EventWinsOverType(t *testing.T) {
	t.Parallel()
	ev, err := DecodeEvent([]byte(`{"event":"participant_joined","type":"other","room":null}`))
	require.NoError(t, err)
	assert.Equal(t, EventParticipantJoined, ev.Type)
	assert.Empty(t, ev.Room.Name)
}

func TestDecodeEvent_Rejects(t *testing.T) {
	t.Parallel()
	_, err := DecodeEvent([]byte(`{"room":"r"}`))
	assert.ErrorIs(t, err, ErrMissingEventType)

	_, err = DecodeEvent([]byte(`{"event":"  "}`))
	assert.ErrorIs(t, err, ErrMissingEventType)

	for _, body := range []string{`not json`, `[1,2]`, `{"event":"room_started","room":42}`} {
		_, err := DecodeEvent([]byte(body))
		assert.ErrorIs(t, err, ErrMalformedEvent, body)
	}
}

func TestRecording_Accessors(t *testing.T) {
	t.Parallel()
	d := 12.6
	r := &Recording{File: "rec.mp4", Duration: &d}
	assert.Equal(t, "rec.mp4", r.AssetURL())
	require.NotNil(t, r.DurationSeconds())
	assert.Equal(t, 13, *r.DurationSeconds())

	r.Location = "s3://bucket/rec.mp4"
	assert.Equal(t, "s3://bucket/rec.mp4", r.AssetURL())

	neg := -1.0
	r.Duration = &neg
	assert.Nil(t, r.DurationSeconds())
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()
	hdr := func(k, v string) http.Header {
		h := http.Header{}
		if k != "" {
			h.Set(k, v)
		}
		return h
	}
	tests := []struct {
		name   string
		secret string
		header http.Header
		want   error
	}{
		{"primary header", "s3cret", hdr(SignatureHeader, "s3cret"), nil},
		{"fallback header", "s3cret", hdr(FallbackSignatureHeader, "s3cret"), nil},
		{"mismatch", "s3cret", hdr(FallbackSignatureHeader, "wrong"), ErrInvalidSignature},
		{"missing", "s3cret", hdr("", ""), ErrInvalidSignature},
		{"prefix only", "s3cret", hdr(SignatureHeader, "s3cre"), ErrInvalidSignature},
		{"no secret configured", "", hdr(SignatureHeader, ""), ErrSecretNotConfigured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := VerifySignature(tt.secret, tt.header)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
