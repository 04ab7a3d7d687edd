package ckan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bcicen/jstream"
	"go.uber.org/zap"

	"ckanloader/utils"
)

// log a convenience wrapper to shorten code lines
var log = &utils.Logger

// userAgent identifies this client to the catalog service.
const userAgent = "ckanloader/1.0"

// apiBasePath every action endpoint lives under this path on the catalog host.
const apiBasePath = "api/3/action/"

// Catalog action names (CKAN v3 Action API).
const (
	actionSiteRead       = "site_read"
	actionOrgShow        = "organization_show"
	actionOrgCreate      = "organization_create"
	actionPackageShow    = "package_show"
	actionPackageCreate  = "package_create"
	actionPackagePatch   = "package_patch"
	actionResourceCreate = "resource_create"
	actionResourceUpdate = "resource_update"
)

// Organization is the remote catalog entity owning datasets.
// Only the fields this program needs are mapped.
type Organization struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Title string `json:"title"`
}

// Dataset is the remote catalog entity holding resources (a CKAN "package").
type Dataset struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Title string `json:"title"`
}

// Resource is one uploaded file attached to a dataset.
type Resource struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Format string `json:"format"`
}

// Client is a typed wrapper over the catalog's HTTP action API.
// Every call carries a fixed request timeout; a hung catalog service surfaces
// as a connectivity error, never a process hang.
type Client struct {
	// baseURL the action API base, always ending with "/api/3/action/"
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient validates the catalog URL and builds the client.
// An empty API key is allowed but warned about - authenticated calls will fail.
func NewClient(rawURL, apiKey string, timeout time.Duration) (*Client, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("NewClient(): the catalog URL is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("NewClient(): invalid catalog URL '%s': must start with http:// or https://", rawURL)
	}
	if !strings.HasSuffix(rawURL, "/") {
		rawURL += "/"
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		log.Warn("The catalog API key is missing or empty - calls requiring authentication WILL fail")
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	client := &Client{
		baseURL: rawURL + apiBasePath,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
	log.Info("Catalog client initialized", zap.String("apiBase", client.baseURL))
	return client, nil
}

// envelope is the fixed response wrapper of every action endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *apiError       `json:"error"`
}

// apiError carries the catalog's error object: a type tag, a message, and
// (for validation failures) arbitrary field-level detail.
type apiError struct {
	Type    string
	Message string
	Fields  map[string]interface{}
}

// UnmarshalJSON splits the fixed keys from the field-level validation detail.
func (e *apiError) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if t, ok := raw["__type"].(string); ok {
		e.Type = t
	}
	if m, ok := raw["message"].(string); ok {
		e.Message = m
	}
	delete(raw, "__type")
	delete(raw, "message")
	if len(raw) > 0 {
		e.Fields = raw
	}
	return nil
}

// TestConnection probes the catalog with the unauthenticated site_read action.
func (c *Client) TestConnection(ctx context.Context) error {
	log.Info("Attempting test connection to the catalog (site_read)")
	if err := c.get(ctx, actionSiteRead, nil, nil); err != nil {
		return err
	}
	log.Info("Test connection successful")
	return nil
}

// OrganizationExists checks for an organization by slug. Absence is modeled as
// (nil, nil): the API's "not found" error type means absent, every other
// failure surfaces as an error.
func (c *Client) OrganizationExists(ctx context.Context, slug string) (*Organization, error) {
	log.Debug("Checking organization", zap.String("slug", slug))
	params := url.Values{"id": {slug}, "include_datasets": {"false"}}
	var org Organization
	if err := c.get(ctx, actionOrgShow, params, &org); err != nil {
		if IsNotFound(err) {
			log.Info("Organization not found in the catalog", zap.String("slug", slug))
			return nil, nil
		}
		return nil, err
	}
	log.Info("Organization found", zap.String("slug", slug), zap.String("id", org.ID))
	return &org, nil
}

// CreateOrganization creates a new organization. On most catalogs this
// requires sysadmin privileges - without them the call fails with an
// authorization error, distinct from not-found.
func (c *Client) CreateOrganization(ctx context.Context, slug, title string) (*Organization, error) {
	log.Info("Attempting to create a new organization",
		zap.String("slug", slug), zap.String("title", title))
	payload := map[string]interface{}{
		"name":        slug,
		"title":       title,
		"state":       "active",
		"description": "Organization automatically created by the pipeline on " + time.Now().Format("2006-01-02"),
	}
	var org Organization
	if err := c.post(ctx, actionOrgCreate, payload, &org); err != nil {
		return nil, err
	}
	// the service may normalize the requested name - trust only its response
	log.Info("Organization created", zap.String("slug", slug), zap.String("id", org.ID))
	return &org, nil
}

// GetOrCreateDataset reads the dataset first and only creates it when absent.
// On the existing path a best-effort metadata patch refreshes the notes;
// a patch failure is logged and the read result is still returned.
func (c *Client) GetOrCreateDataset(ctx context.Context, slug, title, ownerOrgID, sourceIdentifier string) (*Dataset, error) {
	log.Debug("Looking for or creating dataset",
		zap.String("slug", slug), zap.String("ownerOrg", ownerOrgID))

	var existing Dataset
	err := c.get(ctx, actionPackageShow, url.Values{"id": {slug}}, &existing)
	if err == nil {
		log.Info("Dataset already exists", zap.String("slug", slug), zap.String("id", existing.ID))
		notes := fmt.Sprintf("Dataset content last checked/updated from source [%s] on %s.",
			sourceIdentifier, time.Now().UTC().Format("2006-01-02 15:04:05")+" UTC")
		patch := map[string]interface{}{"id": existing.ID, "notes": notes}
		if patchErr := c.post(ctx, actionPackagePatch, patch, nil); patchErr != nil {
			log.Warn("Could not update metadata for the existing dataset, continuing",
				zap.String("slug", slug), zap.Error(patchErr))
		}
		return &existing, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	log.Info("Dataset does not exist, attempting creation",
		zap.String("slug", slug), zap.String("ownerOrg", ownerOrgID))
	payload := map[string]interface{}{
		"name":      slug,
		"title":     title,
		"owner_org": ownerOrgID,
		"state":     "active",
		"author":    "Data Pipeline",
		"notes": fmt.Sprintf("Dataset automatically created for source [%s] on %s.",
			sourceIdentifier, time.Now().UTC().Format("2006-01-02 15:04:05")+" UTC"),
	}
	var created Dataset
	if err := c.post(ctx, actionPackageCreate, payload, &created); err != nil {
		return nil, err
	}
	log.Info("Dataset created", zap.String("slug", slug), zap.String("id", created.ID))
	return &created, nil
}

// ListResourceNames maps the names of a dataset's existing resources onto
// their remote ids, used to decide create vs. update per file. A missing
// dataset yields an empty map, not an error. The resource list is decoded
// streamingly so a dataset with thousands of resources never materializes
// the whole response in memory.
func (c *Client) ListResourceNames(ctx context.Context, datasetID string) (map[string]string, error) {
	log.Debug("Fetching existing resources", zap.String("dataset", datasetID))

	params := url.Values{"id": {datasetID}, "include_resources": {"true"}}
	req, err := c.newGetRequest(ctx, actionPackageShow, params)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindConnectivity, Action: actionPackageShow,
			Message: "communication error with the catalog", cause: err}
	}
	defer closeBody(resp.Body, actionPackageShow)
	log.Debug("Catalog call completed", zap.String("action", actionPackageShow),
		zap.Int("status", resp.StatusCode), zap.Duration("time", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		err := c.errorFromBody(actionPackageShow, resp.StatusCode, resp.Body)
		if IsNotFound(err) {
			log.Warn("Dataset not found when fetching resources, returning an empty map",
				zap.String("dataset", datasetID))
			return map[string]string{}, nil
		}
		return nil, err
	}

	// the "resources" member of "result" sits at depth 2 of the envelope
	decoder := jstream.NewDecoder(resp.Body, 2).EmitKV()
	existing := make(map[string]string)
	for mv := range decoder.Stream() {
		kv, ok := mv.Value.(jstream.KV)
		if !ok || kv.Key != "resources" {
			continue
		}
		list, ok := kv.Value.([]interface{})
		if !ok {
			continue
		}
		for _, item := range list {
			res, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := res["name"].(string)
			id, _ := res["id"].(string)
			if name == "" || id == "" {
				log.Warn("Found a resource with a missing name or id",
					zap.String("dataset", datasetID))
				continue
			}
			if _, dup := existing[name]; dup {
				log.Warn("Duplicate resource name in the dataset, overwriting the previous id",
					zap.String("dataset", datasetID), zap.String("name", name))
			}
			existing[name] = id
		}
	}
	if err := decoder.Err(); err != nil {
		return nil, &Error{Kind: KindConnectivity, Action: actionPackageShow,
			Message: "truncated or invalid response body", cause: err}
	}
	log.Debug("Found named resources", zap.String("dataset", datasetID), zap.Int("count", len(existing)))
	return existing, nil
}

// UploadOrUpdateResource streams the file as one part of a multipart body
// alongside the text fields. The action is resource_update when an existing id
// is supplied and resource_create otherwise.
func (c *Client) UploadOrUpdateResource(ctx context.Context, datasetID, filePath, name, description,
	format, existingID string) (*Resource, error) {

	action := actionResourceCreate
	if existingID != "" {
		action = actionResourceUpdate
	}
	log.Info("Uploading resource", zap.String("action", action),
		zap.String("dataset", datasetID), zap.String("name", name))

	fields := map[string]string{
		"package_id": datasetID,
		"name":       name,
	}
	if description != "" {
		fields["description"] = description
	}
	if format != "" {
		fields["format"] = strings.ToUpper(format)
	}
	if existingID != "" {
		fields["id"] = existingID
	}

	body, contentType, err := newUploadBody(fields, "upload", filePath)
	if err != nil {
		return nil, &Error{Kind: KindConnectivity, Action: action,
			Message: "failed to prepare the upload body", cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+action, body)
	if err != nil {
		_ = body.Close()
		return nil, &Error{Kind: KindConnectivity, Action: action,
			Message: "failed to build the request", cause: err}
	}
	req.Header.Set("Content-Type", contentType)
	c.setCommonHeaders(req)

	var res Resource
	if err := c.send(req, action, &res); err != nil {
		return nil, err
	}
	log.Info("Resource uploaded", zap.String("name", name), zap.String("id", res.ID))
	return &res, nil
}

// newGetRequest builds a GET request for the given action with query parameters.
func (c *Client) newGetRequest(ctx context.Context, action string, params url.Values) (*http.Request, error) {
	target := c.baseURL + action
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &Error{Kind: KindConnectivity, Action: action,
			Message: "failed to build the request", cause: err}
	}
	c.setCommonHeaders(req)
	return req, nil
}

// get performs a GET action and decodes the envelope's result into out (which may be nil).
func (c *Client) get(ctx context.Context, action string, params url.Values, out interface{}) error {
	req, err := c.newGetRequest(ctx, action, params)
	if err != nil {
		return err
	}
	return c.send(req, action, out)
}

// post performs a JSON POST action and decodes the envelope's result into out (which may be nil).
func (c *Client) post(ctx context.Context, action string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &Error{Kind: KindAPI, Action: action,
			Message: "failed to encode the request body", cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+action, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindConnectivity, Action: action,
			Message: "failed to build the request", cause: err}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	c.setCommonHeaders(req)
	return c.send(req, action, out)
}

// setCommonHeaders adds the User-Agent and, when present, the API key.
func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.apiKey)
	}
}

// send executes the request and maps the response onto out or a typed error.
func (c *Client) send(req *http.Request, action string, out interface{}) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		// network failure, timeout or interrupt during the wait
		return &Error{Kind: KindConnectivity, Action: action,
			Message: "communication error with the catalog", cause: err}
	}
	defer closeBody(resp.Body, action)
	log.Debug("Catalog call completed", zap.String("action", action),
		zap.Int("status", resp.StatusCode), zap.Duration("time", time.Since(start)))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return &Error{Kind: KindAPI, Action: action,
				Message: "invalid JSON response from the catalog", cause: err}
		}
		if !env.Success {
			return c.mapAPIError(action, resp.StatusCode, env.Error)
		}
		if out == nil || len(env.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Result, out); err != nil {
			return &Error{Kind: KindAPI, Action: action,
				Message: "mismatched result structure from the catalog", cause: err}
		}
		return nil
	}
	return c.errorFromBody(action, resp.StatusCode, resp.Body)
}

// errorFromBody parses a non-2xx response body into a typed error.
// A non-JSON or truncated body on a 5xx is a connectivity failure, not a
// validation failure.
func (c *Client) errorFromBody(action string, status int, body io.Reader) error {
	content, readErr := io.ReadAll(io.LimitReader(body, 1<<20))
	if readErr != nil {
		return &Error{Kind: KindConnectivity, Action: action,
			Message: fmt.Sprintf("failed to read the response body (status %d)", status), cause: readErr}
	}
	var env envelope
	if err := json.Unmarshal(content, &env); err != nil {
		if status >= 500 {
			return &Error{Kind: KindConnectivity, Action: action,
				Message: fmt.Sprintf("server error (status %d) with an unparsable body", status), cause: err}
		}
		return &Error{Kind: KindAPI, Action: action,
			Message: fmt.Sprintf("invalid JSON response (status %d)", status), cause: err}
	}
	return c.mapAPIError(action, status, env.Error)
}

// mapAPIError maps the status code and the API error type jointly onto the taxonomy.
func (c *Client) mapAPIError(action string, status int, apiErr *apiError) error {
	errorType := "UnknownError"
	message := "Unknown catalog error"
	var fields map[string]interface{}
	if apiErr != nil {
		if apiErr.Type != "" {
			errorType = apiErr.Type
		}
		if apiErr.Message != "" {
			message = apiErr.Message
		}
		fields = apiErr.Fields
	}
	log.Error("Catalog API error", zap.String("action", action), zap.Int("status", status),
		zap.String("type", errorType), zap.String("message", message))

	switch {
	case status == http.StatusNotFound || strings.EqualFold(errorType, "Not Found Error"):
		return &Error{Kind: KindNotFound, Action: action, Message: message}
	case status == http.StatusUnauthorized || status == http.StatusForbidden ||
		strings.EqualFold(errorType, "Authorization Error"):
		return &Error{Kind: KindAuthorization, Action: action, Message: message}
	case (status == http.StatusBadRequest || status == http.StatusConflict) &&
		(strings.EqualFold(errorType, "Validation Error") || len(fields) > 0):
		return &Error{Kind: KindValidation, Action: action, Message: message, Validation: fields}
	case status >= 500:
		return &Error{Kind: KindConnectivity, Action: action,
			Message: fmt.Sprintf("server error (status %d): %s", status, message)}
	default:
		return &Error{Kind: KindAPI, Action: action,
			Message: fmt.Sprintf("%s (type: %s, status: %d)", message, errorType, status)}
	}
}

// closeBody drains and closes a response body so the connection can be reused.
func closeBody(body io.ReadCloser, action string) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	if err := body.Close(); err != nil {
		log.Error("Failed to close the response body", zap.String("action", action), zap.Error(err))
	}
}
