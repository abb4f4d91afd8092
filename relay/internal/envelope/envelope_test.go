package envelope

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pos := 3
	req, err := NewRequest(TypeQueueAdd, "WXYZ-FM", QueueAddPayload{TrackID: "abc", Position: &pos})
	require.NoError(t, err)
	require.NotEmpty(t, req.CorrelationID)

	data, err := Encode(req)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, req.Type, got.Type)
	assert.Equal(t, req.StationID, got.StationID)
	assert.Equal(t, req.CorrelationID, got.CorrelationID)
	assert.Equal(t, ProtocolVersion, got.Version)
	assert.WithinDuration(t, req.Timestamp, got.Timestamp, time.Millisecond)

	payload, ok := GetPayload[QueueAddPayload](got)
	require.True(t, ok)
	assert.Equal(t, "abc", payload.TrackID)
	require.NotNil(t, payload.Position)
	assert.Equal(t, 3, *payload.Position)
}

func TestDecodeCaseInsensitiveAndExtraFields(t *testing.T) {
	raw := `{"TYPE":"now_playing.update","StationID":"WXYZ-FM","CORRELATIONID":"c-1",
		"Version":"2.7","timestamp":"2024-03-01T10:00:00Z","payload":{"isPlaying":true,"title":"Song"},
		"somethingNew":{"nested":[1,2,3]}}`
	env, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, TypeNowPlayingUpdate, env.Type)
	assert.Equal(t, "WXYZ-FM", env.StationID)
	assert.Equal(t, "c-1", env.CorrelationID)
	assert.Equal(t, "2.7", env.Version)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), env.Timestamp)

	np, ok := GetPayload[NowPlayingPayload](env)
	require.True(t, ok)
	assert.True(t, np.IsPlaying)
	assert.Equal(t, "Song", np.Title)
}

func TestDecodeToleratesMissingOptionalFields(t *testing.T) {
	env, err := Decode([]byte(`{"type":"system.ping","stationId":"WXYZ-FM"}`))
	require.NoError(t, err)
	assert.Empty(t, env.CorrelationID)
	assert.True(t, env.Timestamp.IsZero())
	assert.False(t, env.HasPayload())
	assert.Equal(t, ProtocolVersion, env.Version)

	env, err = Decode([]byte(`{"type":"queue.clear","stationId":"WXYZ-FM","payload":null,"timestamp":12345}`))
	require.NoError(t, err)
	assert.False(t, env.HasPayload())
	assert.True(t, env.Timestamp.IsZero())
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]struct {
		input string
		kind  error
	}{
		"not json":        {`{"type":`, ErrMalformed},
		"array":           {`[1,2]`, ErrMalformed},
		"empty":           {``, ErrMalformed},
		"wrong type kind": {`{"type":5,"stationId":"x"}`, ErrMalformed},
		"missing type":    {`{"stationId":"WXYZ-FM"}`, ErrMissingType},
		"blank type":      {`{"type":"  ","stationId":"WXYZ-FM"}`, ErrMissingType},
		"missing station": {`{"type":"system.ping"}`, ErrMissingStationID},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(tc.input))
			require.Error(t, err)
			var perr *ParseError
			require.True(t, errors.As(err, &perr))
			assert.ErrorIs(t, err, tc.kind)
		})
	}
}

func TestGetPayloadIncompatibleOrAbsent(t *testing.T) {
	env, err := New(TypeLibrarySearch, "WXYZ-FM", "just a string")
	require.NoError(t, err)
	_, ok := GetPayload[LibrarySearchPayload](env)
	assert.False(t, ok)

	env, err = New(TypePing, "WXYZ-FM", nil)
	require.NoError(t, err)
	_, ok = GetPayload[PingPayload](env)
	assert.False(t, ok)
}

func TestReplyEchoesCorrelation(t *testing.T) {
	req, err := NewRequest(TypeLibrarySearch, "WXYZ-FM", LibrarySearchPayload{Query: "jazz"})
	require.NoError(t, err)
	reply, err := Reply(req, TypeLibrarySearchResult, LibrarySearchResultPayload{Total: 0, Tracks: []TrackSummary{}})
	require.NoError(t, err)
	assert.Equal(t, req.CorrelationID, reply.CorrelationID)
	assert.Equal(t, req.StationID, reply.StationID)

	errReply, err := ErrorReply(req, "NOT_FOUND", "no such track")
	require.NoError(t, err)
	assert.True(t, errReply.IsError())
	p, ok := GetPayload[ErrorPayload](errReply)
	require.True(t, ok)
	assert.Equal(t, "NOT_FOUND", p.Code)
}

func TestEnvelopeCopiesPayload(t *testing.T) {
	raw := json.RawMessage(`{"query":"a"}`)
	env, err := New(TypeLibrarySearch, "WXYZ-FM", raw)
	require.NoError(t, err)
	raw[2] = 'X'
	assert.JSONEq(t, `{"query":"a"}`, string(env.Payload))

	moved := env.WithCorrelationID("c-9")
	moved.Payload[2] = 'Y'
	assert.JSONEq(t, `{"query":"a"}`, string(env.Payload))
	assert.Empty(t, env.CorrelationID)
}

func TestIsResponseType(t *testing.T) {
	for _, typ := range []string{TypeAuthResult, TypePong, TypeError, TypeQueueAddResult, TypeNowPlayingResponse, TypeLibrarySearchResult, TypeSongRequestResult} {
		assert.True(t, IsResponseType(typ), typ)
	}
	for _, typ := range []string{TypePing, TypeQueueAdd, TypeNowPlayingUpdate, TypeQueueSkip} {
		assert.False(t, IsResponseType(typ), typ)
	}
}

func TestPayloadValidation(t *testing.T) {
	search := LibrarySearchPayload{Query: "  jazz  ", Limit: 500}
	require.NoError(t, search.Validate())
	assert.Equal(t, "jazz", search.Query)
	assert.Equal(t, MaxSearchLimit, search.Limit)

	var verr *ValidationError
	empty := LibrarySearchPayload{Query: " "}
	require.ErrorAs(t, empty.Validate(), &verr)
	assert.Equal(t, "query", verr.Field)

	add := QueueAddPayload{}
	require.ErrorAs(t, add.Validate(), &verr)
	assert.Equal(t, "trackId", verr.Field)

	song := SongRequestPayload{TrackID: "t1", RequesterName: "Ann"}
	require.NoError(t, song.Validate())
}

func TestIdleNowPlayingEncodesIsPlaying(t *testing.T) {
	b, err := json.Marshal(IdleNowPlaying())
	require.NoError(t, err)
	assert.JSONEq(t, `{"isPlaying":false}`, string(b))

	b, err = json.Marshal(EmptyQueue())
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[],"totalDurationSeconds":0}`, string(b))
}
