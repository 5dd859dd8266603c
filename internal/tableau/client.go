package tableau

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vdsquery/agent/internal/errs"
)

// TokenSource authenticates against the BI server and returns a session
// token plus its expiry. Minting the underlying credential (JWT Connected
// App, PAT, or password sign-in) is an external collaborator's job per
// spec.md §1 — the facade only needs something that hands back a token.
type TokenSource interface {
	// Token returns a valid session token, refreshing if necessary.
	// Reauthenticatable reports whether a future AuthExpired can be silently
	// retried (true for JWT Connected App sessions) or must be surfaced to
	// the caller (false for PAT/password sessions, per §4.1/§7).
	Token(ctx context.Context) (token string, expiry time.Time, reauthenticatable bool, err error)
}

// Client is the BI-Client Facade: uniform methods for schema read, metadata
// read, VDS execute, with transparent token lifecycle, grounded on
// original_source's TableauClient.execute_vds_query/get_datasource_schema.
type Client struct {
	serverURL string
	http      *http.Client
	tokens    TokenSource

	mu         sync.Mutex
	token      string
	tokenUntil time.Time
	reauth     bool
}

// NewClient builds a Client against the given BI server base URL, using
// tokens minted by the given TokenSource.
func NewClient(serverURL string, tokens TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{serverURL: strings.TrimRight(serverURL, "/"), http: httpClient, tokens: tokens}
}

func (c *Client) authHeader(ctx context.Context) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenUntil) {
		return c.token, c.reauth, nil
	}
	token, expiry, reauthenticatable, err := c.tokens.Token(ctx)
	if err != nil {
		return "", reauthenticatable, errs.Wrap(errs.AuthExpired, err, "failed to obtain BI session token")
	}
	c.token = token
	c.tokenUntil = expiry
	c.reauth = reauthenticatable
	return token, reauthenticatable, nil
}

// ExecuteVDS executes a VDSQuery against the VizQL Data Service, forcing
// options.returnFormat to OBJECTS and discarding any caller-set limit, per
// §4.1 and §6.
func (c *Client) ExecuteVDS(ctx context.Context, query *VDSQuery) (*QueryResult, error) {
	if len(query.Query.Fields) == 0 {
		return nil, errs.New(errs.InternalInvariant, "query must have at least one field in query.fields", nil)
	}
	query.Options.ReturnFormat = "OBJECTS"

	var body struct {
		Data    []map[string]any `json:"data"`
		Columns []struct {
			FieldCaption string `json:"fieldCaption"`
			DataType     string `json:"dataType"`
		} `json:"columns"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/vizql-data-service/query-datasource", query, &body); err != nil {
		return nil, err
	}

	columns := make([]string, 0, len(body.Columns))
	for _, col := range body.Columns {
		columns = append(columns, col.FieldCaption)
	}
	if len(columns) == 0 {
		// Upstream omitted column metadata; fall back to the query's own
		// field order, logging a correctness warning per §4.1.
		slog.Warn("vds response missing column metadata, inferring order from query fields")
		for _, f := range query.Query.Fields {
			columns = append(columns, f.FieldCaption)
		}
	}

	data := make([][]any, 0, len(body.Data))
	dimensionValues := make(map[string][]string)
	dimensionSeen := make(map[string]map[string]bool)
	for _, row := range body.Data {
		rowValues := make([]any, len(columns))
		for i, col := range columns {
			rowValues[i] = row[col]
		}
		data = append(data, rowValues)
		for i, f := range query.Query.Fields {
			if f.Function != "" || i >= len(rowValues) {
				continue
			}
			v := fmt.Sprintf("%v", rowValues[i])
			seen := dimensionSeen[f.FieldCaption]
			if seen == nil {
				seen = make(map[string]bool)
				dimensionSeen[f.FieldCaption] = seen
			}
			if !seen[v] && len(dimensionValues[f.FieldCaption]) < 50 {
				seen[v] = true
				dimensionValues[f.FieldCaption] = append(dimensionValues[f.FieldCaption], v)
			}
		}
	}

	return &QueryResult{
		Columns:         columns,
		Data:            data,
		RowCount:        len(data),
		DimensionValues: dimensionValues,
	}, nil
}

// ReadMetadata fetches a datasource's REST metadata: name, project, tags,
// certification, and its raw column list.
func (c *Client) ReadMetadata(ctx context.Context, datasourceID string) (*Metadata, error) {
	var body struct {
		ID        string   `json:"id"`
		Name      string   `json:"name"`
		Project   string   `json:"project"`
		Tags      []string `json:"tags"`
		Certified bool     `json:"certified"`
		Columns   []Column `json:"columns"`
	}
	path := fmt.Sprintf("/api/v1/vizql-data-service/read-metadata")
	req := struct {
		Datasource Datasource `json:"datasource"`
	}{Datasource: Datasource{DatasourceLuid: datasourceID}}
	if err := c.doJSON(ctx, http.MethodPost, path, req, &body); err != nil {
		return nil, err
	}
	return &Metadata{ID: body.ID, Name: body.Name, Project: body.Project, Tags: body.Tags, Certified: body.Certified, Columns: body.Columns}, nil
}

// ReadMetadataRoles fetches MEASURE/DIMENSION role classification from the
// metadata graph, used as a secondary role source per §4.3.
func (c *Client) ReadMetadataRoles(ctx context.Context, datasourceID string) (map[string]string, error) {
	var body struct {
		Roles map[string]string `json:"roles"`
	}
	path := fmt.Sprintf("/api/v1/metadata/%s/roles", datasourceID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return body.Roles, nil
}

// FieldStatistics runs one small dedicated VDS query for a field's
// statistics, asking for MIN, MAX, MEDIAN and COUNTD of the field whatever
// its role. It does not gather top-N value counts, so the returned
// FieldStats carries no ValueCounts.
func (c *Client) FieldStatistics(ctx context.Context, datasourceID, fieldCaption string) (*FieldStats, error) {
	statsQuery := &VDSQuery{
		Datasource: Datasource{DatasourceLuid: datasourceID},
		Query: Query{
			Fields: []Field{
				{FieldCaption: fieldCaption, Function: "MIN"},
				{FieldCaption: fieldCaption, Function: "MAX"},
				{FieldCaption: fieldCaption, Function: "MEDIAN"},
				{FieldCaption: fieldCaption, Function: "COUNTD"},
			},
		},
		Options: Options{ReturnFormat: "OBJECTS"},
	}
	result, err := c.ExecuteVDS(ctx, statsQuery)
	if err != nil {
		return nil, err
	}
	stats := &FieldStats{}
	if result.RowCount > 0 && len(result.Data[0]) == 4 {
		stats.Min = asFloat(result.Data[0][0])
		stats.Max = asFloat(result.Data[0][1])
		stats.Median = asFloat(result.Data[0][2])
		if c := asFloat(result.Data[0][3]); c != nil {
			n := int(*c)
			stats.Cardinality = &n
		}
	}
	return stats, nil
}

func asFloat(v any) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case int:
		f := float64(n)
		return &f
	default:
		return nil
	}
}

// doJSON performs an authenticated JSON request, classifying failures into
// the {AuthExpired, NotFound, Transport, UpstreamError} taxonomy from §4.1,
// retrying Transport/5xx with exponential backoff capped at 10s and a max of
// 3 attempts per §5; 4xx surfaces immediately.
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var payload []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return errs.New(errs.InternalInvariant, "failed to marshal request body", err)
		}
		payload = b
	}

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		token, reauthenticatable, err := c.authHeader(ctx)
		if err != nil {
			if !reauthenticatable {
				return err
			}
			lastErr = err
			continue
		}

		req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, bytes.NewReader(payload))
		if err != nil {
			return errs.New(errs.InternalInvariant, "failed to build request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tableau-Auth", token)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return errs.New(errs.Cancelled, "request cancelled", ctx.Err())
			}
			lastErr = errs.Wrap(errs.Transport, err, "request to %s failed", path)
			time.Sleep(backoff)
			backoff = min(backoff*2, 10*time.Second)
			continue
		}

		respPayload, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = errs.Wrap(errs.Transport, readErr, "failed to read response from %s", path)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			if respBody != nil && len(respPayload) > 0 {
				if err := json.Unmarshal(respPayload, respBody); err != nil {
					return errs.Wrap(errs.InternalInvariant, err, "failed to decode response from %s", path)
				}
			}
			return nil
		case resp.StatusCode == http.StatusUnauthorized:
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			if !reauthenticatable {
				return errs.New(errs.AuthExpired, "BI session expired; re-authentication required", nil)
			}
			lastErr = errs.New(errs.AuthExpired, "BI session expired, retrying with a fresh token", nil)
			continue
		case resp.StatusCode == http.StatusNotFound:
			return errs.New(errs.NotFound, upstreamMessage(respPayload, path), nil)
		case resp.StatusCode >= 500:
			lastErr = errs.New(errs.Transport, upstreamMessage(respPayload, path), nil)
			time.Sleep(backoff)
			backoff = min(backoff*2, 10*time.Second)
			continue
		default:
			return errs.New(errs.ExecutionError, upstreamMessage(respPayload, path), nil)
		}
	}
	return lastErr
}

// upstreamMessage best-effort extracts a human-readable error message from a
// Tableau error response, which may be JSON, XML, or plain text, carrying
// the upstream message verbatim when available (§4.1).
func upstreamMessage(body []byte, path string) string {
	var asJSON struct {
		Error struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &asJSON) == nil {
		if asJSON.Error.Message != "" {
			return asJSON.Error.Message
		}
		if asJSON.Error.Detail != "" {
			return asJSON.Error.Detail
		}
		if asJSON.Message != "" {
			return asJSON.Message
		}
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return fmt.Sprintf("upstream request to %s failed with no response body", path)
	}
	return trimmed
}
