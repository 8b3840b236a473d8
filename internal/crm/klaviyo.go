package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Profile is a marketing profile in the CRM.
type Profile struct {
	ID    string
	Email string
}

// Client is the CRM surface the settlement engine depends on. Every call
// is best-effort: callers log failures and keep going, a CRM outage must
// never fail a settlement.
type Client interface {
	FindProfileByEmail(ctx context.Context, email string) (*Profile, error)
	CreateProfile(ctx context.Context, name, email string, attributes map[string]interface{}) (*Profile, error)
	AddProfileToList(ctx context.Context, profileID, listID string) error
	PostEvent(ctx context.Context, eventName, profileID string, properties map[string]interface{}) error
}

const klaviyoRevision = "2024-02-15"

type KlaviyoClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewKlaviyoClient(baseURL, apiKey string) *KlaviyoClient {
	return &KlaviyoClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type klaviyoObject struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

type klaviyoEnvelope struct {
	Data json.RawMessage `json:"data"`
}

func (c *KlaviyoClient) FindProfileByEmail(ctx context.Context, email string) (*Profile, error) {
	filter := url.QueryEscape(fmt.Sprintf(`equals(email,"%s")`, email))
	endpoint := fmt.Sprintf("%s/api/profiles/?filter=%s", c.baseURL, filter)

	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Data []klaviyoObject `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode profile search response: %w", err)
	}

	if len(envelope.Data) == 0 {
		return nil, nil
	}

	return &Profile{ID: envelope.Data[0].ID, Email: email}, nil
}

func (c *KlaviyoClient) CreateProfile(ctx context.Context, name, email string, attributes map[string]interface{}) (*Profile, error) {
	attrs := map[string]interface{}{
		"email":      email,
		"first_name": name,
	}
	if len(attributes) > 0 {
		attrs["properties"] = attributes
	}

	payload := map[string]interface{}{
		"data": klaviyoObject{
			Type:       "profile",
			Attributes: attrs,
		},
	}

	body, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/profiles/", payload)
	if err != nil {
		return nil, err
	}

	var envelope klaviyoEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode profile response: %w", err)
	}
	var created klaviyoObject
	if err := json.Unmarshal(envelope.Data, &created); err != nil {
		return nil, fmt.Errorf("failed to decode profile response: %w", err)
	}

	return &Profile{ID: created.ID, Email: email}, nil
}

func (c *KlaviyoClient) AddProfileToList(ctx context.Context, profileID, listID string) error {
	payload := map[string]interface{}{
		"data": []klaviyoObject{
			{Type: "profile", ID: profileID},
		},
	}

	endpoint := fmt.Sprintf("%s/api/lists/%s/relationships/profiles/", c.baseURL, listID)
	_, err := c.do(ctx, http.MethodPost, endpoint, payload)
	return err
}

func (c *KlaviyoClient) PostEvent(ctx context.Context, eventName, profileID string, properties map[string]interface{}) error {
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"type": "event",
			"attributes": map[string]interface{}{
				"properties": properties,
				"metric": map[string]interface{}{
					"data": klaviyoObject{
						Type:       "metric",
						Attributes: map[string]interface{}{"name": eventName},
					},
				},
				"profile": map[string]interface{}{
					"data": klaviyoObject{Type: "profile", ID: profileID},
				},
			},
		},
	}

	_, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/events/", payload)
	return err
}

func (c *KlaviyoClient) do(ctx context.Context, method, endpoint string, payload interface{}) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal CRM payload: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Klaviyo-API-Key "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Revision", klaviyoRevision)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("CRM request %s %s failed with status %d: %s", method, endpoint, resp.StatusCode, body)
	}

	return body, nil
}
