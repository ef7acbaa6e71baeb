// Package transformer implements C3, the Query Transformer: resolving
// opaque named queries into canonical ASTs via an operator-run HTTP
// resolver, and rewriting ASTs with row-level permission predicates, per
// spec §4.3.
package transformer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"

	"github.com/vitaliisemenov/syncengine/internal/queryast"
)

// CustomQueryRecord is one opaque (name, args) query a client desires,
// awaiting resolution into an AST.
type CustomQueryRecord struct {
	ID   string         `json:"id" validate:"required"`
	Name string         `json:"name" validate:"required"`
	Args map[string]any `json:"args"`
}

// TransformResult is one entry of a resolver response: either a resolved
// AST or a typed failure, per §4.3.
type TransformResult struct {
	ID                 string
	AST                *queryast.AST
	TransformationHash string
	ErrorKind          string // "app" | "http" | "zero"
	Message            string
	Details            any
}

// TransformResultSet is the batch response of Transform, indexed by
// CustomQueryRecord.ID.
type TransformResultSet struct {
	Results map[string]TransformResult
}

// resolverRequest is the wire shape posted to userQueryURL.
type resolverRequest struct {
	HeaderOpts map[string]string   `json:"headerOpts"`
	Queries    []CustomQueryRecord `json:"queries"`
}

// resolverResponseEntry is the wire shape of one resolver response item.
// The resolver is a user-operated plugin; its transformedAst is decoded
// directly as a queryast.AST, and this package computes the
// transformationHash itself from the canonical serialization rather than
// trusting a server-supplied value, so determinism only ever depends on
// (inputs, resolver's AST), per §4.3's determinism requirement.
type resolverResponseEntry struct {
	ID             string        `json:"id" validate:"required"`
	TransformedAST *queryast.AST `json:"transformedAst,omitempty"`
	Error          string        `json:"error,omitempty" validate:"omitempty,oneof=app http zero"`
	Message        string        `json:"message,omitempty"`
	Details        any           `json:"details,omitempty"`
}

// Transformer resolves named queries via an HTTP resolver, retrying
// transient network failures with exponential backoff.
type Transformer struct {
	client    *http.Client
	validate  *validator.Validate
	logger    *slog.Logger
	maxRetry  uint64
	initialBO time.Duration
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithHTTPClient overrides the default HTTP client (10s timeout).
func WithHTTPClient(c *http.Client) Option { return func(t *Transformer) { t.client = c } }

// WithLogger attaches a logger for resolver-call diagnostics.
func WithLogger(l *slog.Logger) Option { return func(t *Transformer) { t.logger = l } }

// New constructs a Transformer.
func New(opts ...Option) *Transformer {
	t := &Transformer{
		client:    &http.Client{Timeout: 10 * time.Second},
		validate:  validator.New(),
		logger:    slog.Default(),
		maxRetry:  3,
		initialBO: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transform posts queries to userQueryURL and returns, per query id, either
// a resolved AST and its transformationHash or a typed error, per §4.3.
// Transport-level failures (connection refused, timeout, 5xx) are
// retried with exponential backoff; a 4xx response fails without retry.
// The resolver's own per-query "app" errors are not retried, since they
// are a deterministic rejection, not a transient fault.
func (t *Transformer) Transform(ctx context.Context, headerOpts map[string]string, queries []CustomQueryRecord, userQueryURL string) (TransformResultSet, error) {
	if len(queries) == 0 {
		return TransformResultSet{Results: map[string]TransformResult{}}, nil
	}
	for _, q := range queries {
		if err := t.validate.Struct(q); err != nil {
			return TransformResultSet{}, fmt.Errorf("transformer: invalid query record %q: %w", q.ID, err)
		}
	}

	body, err := json.Marshal(resolverRequest{HeaderOpts: headerOpts, Queries: queries})
	if err != nil {
		return TransformResultSet{}, fmt.Errorf("transformer: marshal resolver request: %w", err)
	}

	var respBody []byte
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(t.initialBO),
	), t.maxRetry)

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, userQueryURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			t.logger.Warn("resolver call failed, retrying", "url", userQueryURL, "error", err)
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("resolver returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("resolver returned %d: %s", resp.StatusCode, data))
		}

		respBody = data
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return TransformResultSet{}, &TransformerUnreachable{URL: userQueryURL, Err: err}
	}

	var entries []resolverResponseEntry
	if err := json.Unmarshal(respBody, &entries); err != nil {
		return TransformResultSet{}, &TransformerUnreachable{URL: userQueryURL, Err: fmt.Errorf("decode resolver response: %w", err)}
	}

	results := make(map[string]TransformResult, len(entries))
	for _, e := range entries {
		if e.Error != "" {
			results[e.ID] = TransformResult{ID: e.ID, ErrorKind: e.Error, Message: e.Message, Details: e.Details}
			continue
		}
		if e.TransformedAST == nil {
			results[e.ID] = TransformResult{ID: e.ID, ErrorKind: "zero", Message: "resolver returned no AST and no error"}
			continue
		}
		results[e.ID] = TransformResult{
			ID:                 e.ID,
			AST:                e.TransformedAST,
			TransformationHash: queryast.Fingerprint(*e.TransformedAST),
		}
	}

	for _, q := range queries {
		if _, ok := results[q.ID]; !ok {
			return TransformResultSet{}, &NoResult{QueryID: q.ID}
		}
	}

	return TransformResultSet{Results: results}, nil
}
