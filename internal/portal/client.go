package portal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"volcanosync/internal/config"
)

// Item is a portal content item.
type Item struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Title string `json:"title"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	URL   string `json:"url"`
}

// PublishResult identifies the republished feature service.
type PublishResult struct {
	ServiceItemID string
	ServiceURL    string
}

// PublishOptions control how an updated data item is republished.
type PublishOptions struct {
	// ServiceName must match the existing service for an overwrite to
	// land on it instead of creating a new one.
	ServiceName string

	// FileType of the data item. Defaults to geojson.
	FileType string
}

// Client talks to the portal's sharing REST API. All calls are POSTs with
// form-encoded parameters so tokens never ride in URLs. Tokens are
// referer-bound, so every signed request carries the matching Referer
// header; without it the portal answers 498 invalid token.
type Client struct {
	baseURL string
	referer string
	http    *http.Client
	tokens  *TokenProvider
	logger  *zap.Logger

	pollInterval time.Duration
	waitTimeout  time.Duration
}

// NewClient creates a portal client for the configured account.
func NewClient(cfg *config.Config, password string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := &http.Client{Timeout: cfg.PortalTimeout()}

	return &Client{
		baseURL:      strings.TrimRight(cfg.Portal.URL, "/"),
		referer:      cfg.PortalReferer(),
		http:         httpClient,
		tokens:       NewTokenProvider(cfg, password, httpClient, logger),
		logger:       logger,
		pollInterval: 2 * time.Second,
		waitTimeout:  cfg.PortalTimeout(),
	}
}

// SignIn validates the configured credentials by generating a token and
// asking the portal who it belongs to. Returns the signed-in username.
func (c *Client) SignIn(ctx context.Context) (string, error) {
	c.logger.Info("Signing in", zap.String("portal", c.baseURL))

	var self struct {
		Name string `json:"name"`
		User struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	if err := c.do(ctx, "portals/self", nil, &self); err != nil {
		return "", fmt.Errorf("failed to sign in: %w", err)
	}
	if self.User.Username == "" {
		return "", fmt.Errorf("failed to sign in: portal did not recognize the token")
	}

	c.logger.Info("Signed in",
		zap.String("portal", self.Name),
		zap.String("username", self.User.Username))
	return self.User.Username, nil
}

// ItemByID fetches a content item.
func (c *Client) ItemByID(ctx context.Context, id string) (*Item, error) {
	var item Item
	if err := c.do(ctx, "content/items/"+id, nil, &item); err != nil {
		// The portal reports a missing or hidden item as a 400 with this
		// exact message; other 400s are real request errors.
		var perr *Error
		if errors.As(err, &perr) && perr.Code == http.StatusBadRequest &&
			strings.Contains(strings.ToLower(perr.Message), "does not exist") {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
		return nil, err
	}
	if item.ID == "" {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return &item, nil
}

// relatedDataItem resolves the uploaded file item behind a hosted feature
// service.
func (c *Client) relatedDataItem(ctx context.Context, id string) (*Item, error) {
	params := url.Values{}
	params.Set("relationshipType", "Service2Data")
	params.Set("direction", "forward")

	var out struct {
		Total        int     `json:"total"`
		RelatedItems []*Item `json:"relatedItems"`
	}
	if err := c.do(ctx, "content/items/"+id+"/relatedItems", params, &out); err != nil {
		return nil, err
	}
	if len(out.RelatedItems) == 0 {
		return nil, fmt.Errorf("%w (service item %s)", ErrNoDataItem, id)
	}
	return out.RelatedItems[0], nil
}

// UpdateItemFile replaces the stored file of a data item.
func (c *Client) UpdateItemFile(ctx context.Context, owner, id, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer file.Close()

	token, err := c.tokens.Current(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to read upload: %w", err)
	}
	for field, value := range map[string]string{"f": "json", "token": token} {
		if err := mw.WriteField(field, value); err != nil {
			return fmt.Errorf("failed to build upload: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}

	rest := fmt.Sprintf("content/users/%s/items/%s/update", owner, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sharing/rest/"+rest, &buf)
	if err != nil {
		return fmt.Errorf("failed to build portal request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Referer", c.referer)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("portal request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read portal response: %w", err)
	}

	var out struct {
		Success bool `json:"success"`
	}
	if err := decode(rest, resp.StatusCode, body, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("portal did not accept the file update for item %s", id)
	}

	c.logger.Debug("Item file updated", zap.String("item", id))
	return nil
}

// Publish republishes a data item over its existing feature service. When
// the portal runs the publish as a job, Publish waits for it to finish.
func (c *Client) Publish(ctx context.Context, owner, dataItemID string, opts PublishOptions) (*PublishResult, error) {
	fileType := opts.FileType
	if fileType == "" {
		fileType = "geojson"
	}

	pp := map[string]any{"maxRecordCount": 2000}
	if opts.ServiceName != "" {
		pp["name"] = opts.ServiceName
	}
	pubParams, err := json.Marshal(pp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode publish parameters: %w", err)
	}

	params := url.Values{}
	params.Set("itemID", dataItemID)
	params.Set("fileType", fileType)
	params.Set("publishParameters", string(pubParams))
	params.Set("overwrite", "true")

	var out struct {
		Services []struct {
			ServiceItemID string `json:"serviceItemId"`
			ServiceURL    string `json:"serviceurl"`
			EncodedURL    string `json:"encodedServiceURL"`
			JobID         string `json:"jobId"`
			Error         *Error `json:"error"`
		} `json:"services"`
	}
	if err := c.do(ctx, "content/users/"+owner+"/publish", params, &out); err != nil {
		return nil, err
	}
	if len(out.Services) == 0 {
		return nil, fmt.Errorf("portal accepted the publish but reported no services")
	}

	svc := out.Services[0]
	if svc.Error != nil {
		return nil, fmt.Errorf("publish rejected: %w", svc.Error)
	}
	if svc.JobID != "" {
		if err := c.awaitJob(ctx, owner, svc.ServiceItemID, svc.JobID); err != nil {
			return nil, err
		}
	}

	serviceURL := svc.ServiceURL
	if serviceURL == "" {
		serviceURL = svc.EncodedURL
	}
	return &PublishResult{ServiceItemID: svc.ServiceItemID, ServiceURL: serviceURL}, nil
}

// Overwrite pushes a local GeoJSON file over the hosted feature layer
// behind itemID. The portal keeps the originally uploaded file as its own
// item; that file item gets the new bytes, then a publish with overwrite
// rebuilds the service from it.
func (c *Client) Overwrite(ctx context.Context, itemID, path string) (*PublishResult, error) {
	item, err := c.ItemByID(ctx, itemID)
	if err != nil {
		return nil, err
	}

	dataItem := item
	serviceName := ""
	switch {
	case item.Type == "Feature Service":
		dataItem, err = c.relatedDataItem(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		serviceName = serviceNameFromURL(item.URL)
	case strings.EqualFold(item.Type, "GeoJson"):
		// A bare file item republishes under its own name.
	default:
		return nil, fmt.Errorf("item %s is a %q, expected a feature service or geojson file", item.ID, item.Type)
	}
	if serviceName == "" {
		serviceName = strings.TrimSuffix(dataItem.Name, filepath.Ext(dataItem.Name))
	}

	c.logger.Info("Overwriting feature layer",
		zap.String("item", item.ID),
		zap.String("title", item.Title),
		zap.String("service", serviceName))

	if err := c.UpdateItemFile(ctx, dataItem.Owner, dataItem.ID, path); err != nil {
		return nil, err
	}

	result, err := c.Publish(ctx, dataItem.Owner, dataItem.ID, PublishOptions{ServiceName: serviceName})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Feature layer overwritten",
		zap.String("service_item", result.ServiceItemID),
		zap.String("service_url", result.ServiceURL))
	return result, nil
}

// awaitJob polls a publish job until the portal reports a terminal status.
func (c *Client) awaitJob(ctx context.Context, owner, itemID, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.waitTimeout)
	defer cancel()

	rest := fmt.Sprintf("content/users/%s/items/%s/status", owner, itemID)
	params := url.Values{}
	params.Set("jobId", jobID)
	params.Set("jobType", "publish")

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var status struct {
			Status        string `json:"status"`
			StatusMessage string `json:"statusMessage"`
		}
		if err := c.do(ctx, rest, params, &status); err != nil {
			return err
		}

		switch status.Status {
		case "completed":
			return nil
		case "failed":
			return fmt.Errorf("publish job %s failed: %s", jobID, status.StatusMessage)
		}

		c.logger.Debug("Publish job running",
			zap.String("job", jobID),
			zap.String("status", status.Status))

		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for publish job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// do issues one signed portal request and decodes the response into dst.
func (c *Client) do(ctx context.Context, rest string, params url.Values, dst any) error {
	token, err := c.tokens.Current(ctx)
	if err != nil {
		return err
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("f", "json")
	params.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sharing/rest/"+rest, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build portal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", c.referer)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("portal request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read portal response: %w", err)
	}

	return decode(rest, resp.StatusCode, body, dst)
}

// serviceNameFromURL extracts the service name from a feature service URL
// (…/services/<name>/FeatureServer). An overwrite publish must reuse it.
func serviceNameFromURL(raw string) string {
	parts := strings.Split(raw, "/")
	for i := len(parts) - 1; i > 0; i-- {
		if strings.EqualFold(parts[i], "FeatureServer") {
			return parts[i-1]
		}
	}
	return ""
}
