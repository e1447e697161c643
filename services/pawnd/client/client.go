// Package client is a Go client for the pawnd HTTP API. Mutating calls are
// signed with the caller's key.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"nftpawn/crypto"
	"nftpawn/gateway/auth"
	"nftpawn/gateway/middleware"
	"nftpawn/services/pawnd/server"
)

// APIError is a non-2xx response from pawnd.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("pawnd: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("pawnd: %s: %s", e.Code, e.Message)
}

// Client talks to one pawnd instance.
type Client struct {
	baseURL string
	http    *http.Client
	key     *crypto.PrivateKey
	nowFn   func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithSigner sets the key used to sign mutating requests.
func WithSigner(key *crypto.PrivateKey) Option {
	return func(c *Client) { c.key = key }
}

// New returns a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Signer returns the address requests are signed as, if a key is set.
func (c *Client) Signer() (crypto.Address, bool) {
	if c.key == nil {
		return crypto.Address{}, false
	}
	return c.key.PubKey().Address(), true
}

// CallOption adjusts a single request.
type CallOption func(*http.Request)

// WithIdempotencyKey sets the Idempotency-Key header.
func WithIdempotencyKey(key string) CallOption {
	return func(r *http.Request) {
		if key = strings.TrimSpace(key); key != "" {
			r.Header.Set(middleware.HeaderIdempotencyKey, key)
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, signed bool, out any, opts ...CallOption) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}
	if signed {
		if c.key == nil {
			return errors.New("pawnd client: signing key required")
		}
		if err := auth.SignRequest(req, c.key, payload, c.nowFn(), uuid.NewString()); err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var body struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			apiErr.Code, apiErr.Message = body.Error, body.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// InitializeConfig registers the signer's lending terms.
func (c *Client) InitializeConfig(ctx context.Context, loanAmount uint64, feeBps uint32, opts ...CallOption) (*server.ConfigView, error) {
	var out server.ConfigView
	req := server.InitializeConfigRequest{LoanAmount: loanAmount, FeeBps: feeBps}
	if err := c.do(ctx, http.MethodPost, "/v1/configs", req, true, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deposit escrows the signer's NFT of mint.
func (c *Client) Deposit(ctx context.Context, mint crypto.Address, opts ...CallOption) (*server.LoanView, error) {
	var out server.LoanView
	if err := c.do(ctx, http.MethodPost, "/v1/loans", server.DepositRequest{Mint: mint.String()}, true, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) loanAction(ctx context.Context, loan crypto.Address, action string, opts []CallOption) (*server.LoanView, error) {
	var out server.LoanView
	path := "/v1/loans/" + url.PathEscape(loan.String()) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, nil, true, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// Lend funds the loan as the signer.
func (c *Client) Lend(ctx context.Context, loan crypto.Address, opts ...CallOption) (*server.LoanView, error) {
	return c.loanAction(ctx, loan, "lend", opts)
}

// Repay settles the loan as the signer.
func (c *Client) Repay(ctx context.Context, loan crypto.Address, opts ...CallOption) (*server.LoanView, error) {
	return c.loanAction(ctx, loan, "repay", opts)
}

// Archive removes the signer's closed loan record.
func (c *Client) Archive(ctx context.Context, loan crypto.Address, opts ...CallOption) (*server.LoanView, error) {
	return c.loanAction(ctx, loan, "archive", opts)
}

// Config fetches the config of admin.
func (c *Client) Config(ctx context.Context, admin crypto.Address) (*server.ConfigView, error) {
	var out server.ConfigView
	if err := c.do(ctx, http.MethodGet, "/v1/configs/"+url.PathEscape(admin.String()), nil, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Loan fetches the loan at addr.
func (c *Client) Loan(ctx context.Context, addr crypto.Address) (*server.LoanView, error) {
	var out server.LoanView
	if err := c.do(ctx, http.MethodGet, "/v1/loans/"+url.PathEscape(addr.String()), nil, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Loans lists loans, optionally filtered by borrower and state.
func (c *Client) Loans(ctx context.Context, borrower *crypto.Address, state string) ([]server.LoanView, error) {
	query := url.Values{}
	if borrower != nil {
		query.Set("borrower", borrower.String())
	}
	if state = strings.TrimSpace(state); state != "" {
		query.Set("state", state)
	}
	path := "/v1/loans"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out []server.LoanView
	if err := c.do(ctx, http.MethodGet, path, nil, false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Derive recomputes a program address for tag from address seeds.
func (c *Client) Derive(ctx context.Context, tag string, seeds []crypto.Address, label string) (*server.DerivedView, error) {
	query := url.Values{}
	for _, seed := range seeds {
		query.Add("seed", seed.String())
	}
	if label != "" {
		query.Set("label", label)
	}
	var out server.DerivedView
	path := "/v1/derive/" + url.PathEscape(tag) + "?" + query.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Balance reads owner's custody balance of mint.
func (c *Client) Balance(ctx context.Context, owner, mint crypto.Address) (uint64, error) {
	var out server.BalanceView
	path := "/v1/balances/" + url.PathEscape(owner.String()) + "/" + url.PathEscape(mint.String())
	if err := c.do(ctx, http.MethodGet, path, nil, false, &out); err != nil {
		return 0, err
	}
	return out.Amount, nil
}
