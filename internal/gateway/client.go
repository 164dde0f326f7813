package gateway

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
)

type Config struct {
	BaseURL      string
	APIKey       string
	PrivateKey   string
	MerchantCode string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Client is a thin HTTP client for the gateway API. It never retries.
type Client struct {
	baseURL      string
	apiKey       string
	privateKey   string
	merchantCode string
	timeout      time.Duration
	http         *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway: base url required")
	}
	if cfg.PrivateKey == "" || cfg.MerchantCode == "" {
		return nil, fmt.Errorf("gateway: private key and merchant code required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		privateKey:   cfg.PrivateKey,
		merchantCode: cfg.MerchantCode,
		timeout:      timeout,
		http:         hc,
	}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type wireTransaction struct {
	Reference   string `json:"reference"`
	MerchantRef string `json:"merchant_ref"`
	Amount      int64  `json:"amount"`
	Status      string `json:"status"`
	PayCode     string `json:"pay_code"`
	CheckoutURL string `json:"checkout_url"`
	ExpiredTime int64  `json:"expired_time"`
	PaidAt      int64  `json:"paid_at"`
}

type createBody struct {
	Method        string `json:"method"`
	MerchantRef   string `json:"merchant_ref"`
	Amount        int64  `json:"amount"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	CustomerPhone string `json:"customer_phone"`
	OrderItems    []Item `json:"order_items"`
	CallbackURL   string `json:"callback_url,omitempty"`
	ReturnURL     string `json:"return_url,omitempty"`
	ExpiredTime   int64  `json:"expired_time"`
	Signature     string `json:"signature"`
}

// Create issues one transaction. The call is detached from ctx cancellation
// once sent and bounded by the client timeout instead.
func (c *Client) Create(ctx context.Context, req CreateRequest) (Transaction, error) {
	body, err := json.Marshal(createBody{
		Method:        req.Method,
		MerchantRef:   req.MerchantRef,
		Amount:        req.Amount,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		OrderItems:    req.Items,
		CallbackURL:   req.CallbackURL,
		ReturnURL:     req.ReturnURL,
		ExpiredTime:   req.ExpiresAt.Unix(),
		Signature:     Sign(c.privateKey, c.merchantCode, req.MerchantRef, req.Amount),
	})
	if err != nil {
		return Transaction{}, err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transaction/create", bytes.NewReader(body))
	if err != nil {
		return Transaction{}, err
	}
	hreq.Header.Set("Content-Type", "application/json")

	env, status, err := c.do(hreq)
	if err != nil {
		return Transaction{}, err
	}
	if status < 200 || status > 299 {
		return Transaction{}, fmt.Errorf("%w: create %s: http %d", ErrUnavailable, req.MerchantRef, status)
	}
	if !env.Success {
		return Transaction{}, fmt.Errorf("%w: create %s: %s", ErrRejected, req.MerchantRef, env.Message)
	}
	return decodeTransaction(env.Data)
}

// Lookup queries a transaction by merchant reference.
func (c *Client) Lookup(ctx context.Context, merchantRef string) (Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	u := c.baseURL + "/transaction/detail?merchant_ref=" + url.QueryEscape(merchantRef)
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Transaction{}, err
	}

	env, status, err := c.do(hreq)
	if err != nil {
		return Transaction{}, err
	}
	switch {
	case status == http.StatusNotFound:
		return Transaction{}, ErrTransactionNotFound
	case status < 200 || status > 299:
		return Transaction{}, fmt.Errorf("%w: detail %s: http %d", ErrUnavailable, merchantRef, status)
	case !env.Success:
		return Transaction{}, ErrTransactionNotFound
	}
	return decodeTransaction(env.Data)
}

func (c *Client) do(req *http.Request) (envelope, int, error) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return envelope{}, resp.StatusCode, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return envelope{}, resp.StatusCode, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		// Error pages are not JSON; the status code carries the meaning.
		return envelope{}, resp.StatusCode, nil
	}
	return env, resp.StatusCode, nil
}

func decodeTransaction(data json.RawMessage) (Transaction, error) {
	var w wireTransaction
	if len(data) == 0 {
		return Transaction{}, fmt.Errorf("%w: empty data", ErrMalformed)
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	st, ok := NormalizeStatus(w.Status)
	if !ok || w.MerchantRef == "" {
		return Transaction{}, fmt.Errorf("%w: status %q ref %q", ErrMalformed, w.Status, w.MerchantRef)
	}
	tx := Transaction{
		Reference:   w.Reference,
		MerchantRef: w.MerchantRef,
		Amount:      w.Amount,
		Status:      st,
		PayCode:     w.PayCode,
		CheckoutURL: w.CheckoutURL,
	}
	if w.ExpiredTime > 0 {
		tx.ExpiresAt = time.Unix(w.ExpiredTime, 0).UTC()
	}
	if w.PaidAt > 0 {
		t := time.Unix(w.PaidAt, 0).UTC()
		tx.PaidAt = &t
	}
	return tx, nil
}
