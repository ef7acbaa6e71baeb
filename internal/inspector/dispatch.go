package inspector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vitaliisemenov/syncengine/internal/protocol"
	"github.com/vitaliisemenov/syncengine/internal/queryast"
	"github.com/vitaliisemenov/syncengine/internal/transformer"
)

// analyzeQueryArgs is the wire shape of an analyze-query op's args.
type analyzeQueryArgs struct {
	AST      *queryast.AST  `json:"ast,omitempty"`
	Name     string         `json:"name,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	AuthData map[string]any `json:"authData,omitempty"`
	Options  struct {
		SyncedRows bool `json:"syncedRows"`
		VendedRows bool `json:"vendedRows"`
		JoinPlans  bool `json:"joinPlans"`
	} `json:"options"`
}

// queriesArgs is the wire shape of a queries op's args.
type queriesArgs struct {
	ClientID string `json:"clientID"`
}

// authenticateArgs is the wire shape of an authenticate op's args.
type authenticateArgs struct {
	Password string `json:"password"`
}

// Dispatch routes one decoded inspect message to the matching Inspector
// operation and returns the wire-ready response body, per §4.6.
// body.ClientID is used as the queries op's clientID when its args name
// none.
func (i *Inspector) Dispatch(ctx context.Context, clientGroupID string, body protocol.InspectBody) protocol.InspectResponseBody {
	resp, err := i.dispatch(ctx, clientGroupID, body)
	if err != nil {
		i.log.Error("inspect dispatch failed", "op", body.Op, "clientGroupID", clientGroupID, "error", err)
		return protocol.InspectResponseBody{Op: body.Op, ID: body.ID, Value: errorValue(err)}
	}
	return protocol.InspectResponseBody{Op: resp.Op, ID: resp.ID, Value: resp.Value}
}

func (i *Inspector) dispatch(ctx context.Context, clientGroupID string, body protocol.InspectBody) (*InspectResponse, error) {
	switch body.Op {
	case "authenticate":
		var args authenticateArgs
		if len(body.Args) > 0 {
			if err := json.Unmarshal(body.Args, &args); err != nil {
				return nil, fmt.Errorf("inspector: decode authenticate args: %w", err)
			}
		} else {
			args.Password = body.Password
		}
		ok, err := i.Authenticate(ctx, clientGroupID, args.Password)
		if err != nil {
			return nil, err
		}
		return &InspectResponse{Op: authenticatedOp, ID: body.ID, Value: ok}, nil

	case "version":
		return i.Version(ctx, clientGroupID, body.ID)

	case "metrics":
		return i.Metrics(ctx, clientGroupID, body.ID)

	case "queries":
		var args queriesArgs
		if len(body.Args) > 0 {
			if err := json.Unmarshal(body.Args, &args); err != nil {
				return nil, fmt.Errorf("inspector: decode queries args: %w", err)
			}
		}
		if args.ClientID == "" {
			args.ClientID = body.ClientID
		}
		return i.Queries(ctx, clientGroupID, args.ClientID, body.ID)

	case "analyze-query":
		var args analyzeQueryArgs
		if len(body.Args) > 0 {
			if err := json.Unmarshal(body.Args, &args); err != nil {
				return nil, fmt.Errorf("inspector: decode analyze-query args: %w", err)
			}
		}
		req := AnalyzeQueryRequest{
			AST:        args.AST,
			Name:       args.Name,
			Args:       args.Args,
			AuthData:   transformer.AuthData(args.AuthData),
			SyncedRows: args.Options.SyncedRows,
			VendedRows: args.Options.VendedRows,
			JoinPlans:  args.Options.JoinPlans,
		}
		return i.AnalyzeQuery(ctx, clientGroupID, body.ID, req)

	default:
		return nil, fmt.Errorf("inspector: unknown op %q", body.Op)
	}
}

// errorValue renders err as the op-agnostic failure payload attached to an
// InspectResponseBody when dispatch itself fails (as opposed to a clean
// "authenticated: false" rejection, which is not an error).
func errorValue(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}
