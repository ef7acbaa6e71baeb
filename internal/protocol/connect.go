package protocol

import (
	"fmt"
	"net/url"
	"strconv"
)

const maxHeaderLength = 8 * 1024 // default maxHeaderLength for Sec-WebSocket-Protocol, §6

var reservedParams = map[string]bool{
	"clientID":      true,
	"clientGroupID": true,
	"userID":        true,
	"baseCookie":    true,
	"ts":            true,
	"lmid":          true,
	"wsid":          true,
	"debugPerf":     true,
}

// ParseConnectionURL parses the `/sync/v<N>/connect` path and query string
// into ConnectionParams, per §6. Unknown query parameters are collected
// into Unknown rather than rejected. A param colliding with a reserved
// name but appearing more than once drops the later value and records a
// warning (returned separately, never silently swallowed).
func ParseConnectionURL(rawPath string, query url.Values) (ConnectionParams, []string, error) {
	var version int
	if _, err := fmt.Sscanf(rawPath, "/sync/v%d/connect", &version); err != nil {
		return ConnectionParams{}, nil, NewError(KindInvalidConnectionRequest, "malformed connect path: "+rawPath)
	}

	params := ConnectionParams{ProtocolVersion: version, Unknown: map[string]string{}}
	var warnings []string

	params.ClientID = query.Get("clientID")
	params.ClientGroupID = query.Get("clientGroupID")
	params.UserID = query.Get("userID")
	params.BaseCookie = query.Get("baseCookie")
	params.WSID = query.Get("wsid")

	if raw := query.Get("ts"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return params, warnings, NewError(KindInvalidConnectionRequest, "invalid ts parameter")
		}
		params.Timestamp = ts
	}
	if raw := query.Get("lmid"); raw != "" {
		lmid, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return params, warnings, NewError(KindInvalidConnectionRequestLastMutationID, "invalid lmid parameter")
		}
		params.LastMutationID = lmid
	}
	if raw := query.Get("debugPerf"); raw != "" {
		params.DebugPerf = raw == "true" || raw == "1"
	}

	if params.ClientID == "" || params.ClientGroupID == "" {
		return params, warnings, NewError(KindInvalidConnectionRequest, "clientID and clientGroupID are required")
	}

	for key, values := range query {
		if reservedParams[key] {
			if len(values) > 1 {
				warnings = append(warnings, fmt.Sprintf("duplicate reserved parameter %q ignored", key))
			}
			continue
		}
		params.Unknown[key] = values[0]
	}

	return params, warnings, nil
}

// FitsSecWebSocketProtocolHeader reports whether an encoded initConnection
// payload fits within maxHeaderLength, per §6's Sec-WebSocket-Protocol
// fallback rule.
func FitsSecWebSocketProtocolHeader(encoded string) bool {
	return len(encoded) <= maxHeaderLength
}
