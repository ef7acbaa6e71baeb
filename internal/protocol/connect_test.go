package protocol

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConnectionURL_Valid(t *testing.T) {
	q := url.Values{
		"clientID":      {"c1"},
		"clientGroupID": {"g1"},
		"userID":        {"u1"},
		"baseCookie":    {"42"},
		"ts":            {"1700000000"},
		"lmid":          {"7"},
		"wsid":          {"ws-1"},
		"somethingElse": {"keepme"},
	}
	params, warnings, err := ParseConnectionURL("/sync/v1/connect", q)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, 1, params.ProtocolVersion)
	assert.Equal(t, "c1", params.ClientID)
	assert.Equal(t, "g1", params.ClientGroupID)
	assert.Equal(t, uint64(7), params.LastMutationID)
	assert.Equal(t, "keepme", params.Unknown["somethingElse"])
}

func TestParseConnectionURL_MissingRequired(t *testing.T) {
	q := url.Values{"clientID": {"c1"}}
	_, _, err := ParseConnectionURL("/sync/v1/connect", q)
	require.Error(t, err)
	var perr *ErrorPayload
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindInvalidConnectionRequest, perr.Kind)
}

func TestParseConnectionURL_BadLMID(t *testing.T) {
	q := url.Values{"clientID": {"c1"}, "clientGroupID": {"g1"}, "lmid": {"not-a-number"}}
	_, _, err := ParseConnectionURL("/sync/v1/connect", q)
	require.Error(t, err)
	var perr *ErrorPayload
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindInvalidConnectionRequestLastMutationID, perr.Kind)
}

func TestFitsSecWebSocketProtocolHeader(t *testing.T) {
	assert.True(t, FitsSecWebSocketProtocolHeader("short"))
	big := make([]byte, maxHeaderLength+1)
	assert.False(t, FitsSecWebSocketProtocolHeader(string(big)))
}

func TestFrame_RoundTrip(t *testing.T) {
	f := Frame{Tag: TagPing, Body: []byte(`{}`)}
	data, err := f.MarshalJSON()
	require.NoError(t, err)

	var decoded Frame
	require.NoError(t, decoded.UnmarshalJSON(data))
	assert.Equal(t, TagPing, decoded.Tag)
}
