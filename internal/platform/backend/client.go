// Package backend is the HTTP client for the backend of record. Payloads
// are passed through verbatim; callers decode the data field into their own
// types.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/dibya/sundayclinic/internal/platform/apperr"
)

// Envelope is the response wrapper every backend endpoint uses.
type Envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// TokenSource returns the caller's bearer token, if any.
type TokenSource func(ctx context.Context) (string, bool)

type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client calls the backend of record. It never retries: a failed call is
// surfaced and retrying is left to the user.
type Client struct {
	http   *resty.Client
	tokens TokenSource
	logger zerolog.Logger
}

func New(cfg Config, tokens TokenSource, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	hc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		http:   hc,
		tokens: tokens,
		logger: logger.With().Str("component", "backend").Logger(),
	}
}

// -- Records and sections --

// GetRecord loads the record bundle for mrID into out.
func (c *Client) GetRecord(ctx context.Context, mrID string, out any) error {
	_, err := c.do(ctx, "backend.getRecord", http.MethodGet, "/api/sunday-clinic/records/"+url.PathEscape(mrID), nil, out, false)
	return err
}

// SectionSave is the body of a section save.
type SectionSave struct {
	PatientID  string         `json:"patientId"`
	Type       string         `json:"type"`
	Data       map[string]any `json:"data"`
	Timestamp  time.Time      `json:"timestamp"`
	DoctorName string         `json:"doctorName,omitempty"`
	DoctorID   string         `json:"doctorId,omitempty"`
}

// SaveSection persists one section and returns the server's message.
func (c *Client) SaveSection(ctx context.Context, mrID string, body SectionSave) (string, error) {
	path := fmt.Sprintf("/api/sunday-clinic/records/%s/sections/%s", url.PathEscape(mrID), url.PathEscape(body.Type))
	return c.do(ctx, "backend.saveSection", http.MethodPost, path, body, nil, true)
}

// SectionSchema fetches the schema descriptor for a section handler. The
// version token is sent as a cache-buster.
func (c *Client) SectionSchema(ctx context.Context, category, key, version string, out any) error {
	path := fmt.Sprintf("/api/sunday-clinic/sections/%s/%s/schema?v=%s",
		url.PathEscape(category), url.PathEscape(key), url.QueryEscape(version))
	_, err := c.do(ctx, "backend.sectionSchema", http.MethodGet, path, nil, out, false)
	return err
}

// -- Billing --

func (c *Client) GetBilling(ctx context.Context, mrID string, out any) error {
	_, err := c.do(ctx, "backend.getBilling", http.MethodGet, billingPath(mrID, ""), nil, out, false)
	return err
}

func (c *Client) ConfirmBilling(ctx context.Context, mrID string, out any) (string, error) {
	return c.do(ctx, "backend.confirmBilling", http.MethodPost, billingPath(mrID, "/confirm"), struct{}{}, out, true)
}

func (c *Client) MarkPaid(ctx context.Context, mrID, method string, out any) (string, error) {
	body := map[string]string{"payment_method": method}
	return c.do(ctx, "backend.markPaid", http.MethodPost, billingPath(mrID, "/mark-paid"), body, out, true)
}

func (c *Client) RequestRevision(ctx context.Context, mrID, message string, out any) (string, error) {
	body := map[string]string{"message": message}
	return c.do(ctx, "backend.requestRevision", http.MethodPost, billingPath(mrID, "/request-revision"), body, out, true)
}

func (c *Client) ListRevisions(ctx context.Context, mrID string, out any) error {
	_, err := c.do(ctx, "backend.listRevisions", http.MethodGet, billingPath(mrID, "/revisions"), nil, out, false)
	return err
}

func (c *Client) ApproveRevision(ctx context.Context, revisionID string, out any) (string, error) {
	path := "/api/sunday-clinic/billing/revisions/" + url.PathEscape(revisionID) + "/approve"
	return c.do(ctx, "backend.approveRevision", http.MethodPost, path, struct{}{}, out, true)
}

func (c *Client) RejectRevision(ctx context.Context, revisionID, reason string, out any) (string, error) {
	path := "/api/sunday-clinic/billing/revisions/" + url.PathEscape(revisionID) + "/reject"
	return c.do(ctx, "backend.rejectRevision", http.MethodPost, path, map[string]string{"reason": reason}, out, true)
}

func (c *Client) GetRevision(ctx context.Context, revisionID string, out any) error {
	path := "/api/sunday-clinic/billing/revisions/" + url.PathEscape(revisionID)
	_, err := c.do(ctx, "backend.getRevision", http.MethodGet, path, nil, out, false)
	return err
}

// SaveBillingItems replaces the item list of a draft billing.
func (c *Client) SaveBillingItems(ctx context.Context, mrID string, items any, out any) (string, error) {
	body := map[string]any{"items": items}
	return c.do(ctx, "backend.saveBillingItems", http.MethodPost, billingPath(mrID, ""), body, out, true)
}

func (c *Client) DeleteBillingItemByCode(ctx context.Context, mrID, code string) (string, error) {
	return c.do(ctx, "backend.deleteBillingItem", http.MethodDelete,
		billingPath(mrID, "/items/code/"+url.PathEscape(code)), nil, nil, true)
}

func (c *Client) DeleteBillingItemByID(ctx context.Context, mrID string, id int64) (string, error) {
	return c.do(ctx, "backend.deleteBillingItem", http.MethodDelete,
		billingPath(mrID, fmt.Sprintf("/items/id/%d", id)), nil, nil, true)
}

func billingPath(mrID, suffix string) string {
	return "/api/sunday-clinic/billing/" + url.PathEscape(mrID) + suffix
}

// -- Patient history --

func (c *Client) PatientVisits(ctx context.Context, patientID string, out any) error {
	_, err := c.do(ctx, "backend.patientVisits", http.MethodGet, "/api/sunday-clinic/patient-visits/"+url.PathEscape(patientID), nil, out, false)
	return err
}

func (c *Client) CopyableData(ctx context.Context, mrID string, out any) error {
	_, err := c.do(ctx, "backend.copyableData", http.MethodGet, "/api/medical-records/copyable-data/"+url.PathEscape(mrID), nil, out, false)
	return err
}

// do performs one request. Writes without a token fail before any network
// activity. The returned string is the server's message.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any, write bool) (string, error) {
	req := c.http.R().SetContext(ctx)

	token, ok := "", false
	if c.tokens != nil {
		token, ok = c.tokens(ctx)
	}
	if ok && token != "" {
		req.SetAuthToken(token)
	} else if write {
		return "", apperr.Precondition(op, "Sesi login tidak ditemukan. Silakan login kembali.")
	}
	if body != nil {
		req.SetBody(body)
	}

	var env Envelope
	req.SetResult(&env).SetError(&env)

	resp, err := req.Execute(method, path)
	if err != nil {
		c.logger.Error().Err(err).Str("op", op).Str("path", path).Msg("backend request failed")
		return "", apperr.Network(op, "Tidak dapat terhubung ke server. Silakan coba lagi.", err)
	}

	if resp.IsError() || !env.Success {
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("Permintaan gagal (HTTP %d)", resp.StatusCode())
		}
		c.logger.Warn().
			Str("op", op).
			Str("path", path).
			Int("status", resp.StatusCode()).
			Str("message", env.Message).
			Msg("backend rejected request")
		cause := fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode())
		if resp.StatusCode() == http.StatusNotFound {
			return "", apperr.Wrap(apperr.KindNotFound, op, msg, cause)
		}
		return "", apperr.Network(op, msg, cause)
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return "", apperr.Network(op, "Respons server tidak valid.", fmt.Errorf("decode %s: %w", path, err))
		}
	}
	return env.Message, nil
}
