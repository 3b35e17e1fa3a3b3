package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"
)

// CallbackEventParam names the callback URL query parameter that carries the
// event id. The provider posts back to the URL unchanged, so a callback can
// be traced to its event even when the push response never reached us.
const CallbackEventParam = "event_id"

type ClientConfig struct {
	BaseURL         string
	ShortCode       string
	Passkey         string
	CallbackURL     string
	TransactionType string
	TransactionDesc string
	CountryCode     string
	HTTPTimeout     time.Duration
}

type StkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type StkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type StkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type StkQueryResponse struct {
	ResponseCode        string      `json:"ResponseCode"`
	ResponseDescription string      `json:"ResponseDescription"`
	MerchantRequestID   string      `json:"MerchantRequestID"`
	CheckoutRequestID   string      `json:"CheckoutRequestID"`
	ResultCode          json.Number `json:"ResultCode"`
	ResultDesc          string      `json:"ResultDesc"`
}

// StillProcessing reports whether the answer is provisional. Such an answer
// carries no outcome and must not settle the payment.
func (q *StkQueryResponse) StillProcessing() bool {
	return q.ResultCode.String() == stillProcessingResult
}

type providerError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Client talks to the Daraja STK push API. It performs no persistence.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	tokens     *TokenSource
	logger     *zap.Logger
	now        func() time.Time
}

func NewClient(cfg ClientConfig, tokens *TokenSource, logger *zap.Logger) *Client {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = "CustomerPayBillOnline"
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = DefaultCountryCode
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		tokens:     tokens,
		logger:     logger,
		now:        time.Now,
	}
}

// CountryCode is the prefix used when normalizing payer phone numbers.
func (c *Client) CountryCode() string {
	return c.cfg.CountryCode
}

// Initiate sends an STK push for eventID and returns the provider's accepted
// response. Input is validated before any network call. A 401 from the push
// endpoint forces one token refresh and one retry; nothing else is retried.
func (c *Client) Initiate(ctx context.Context, eventID string, amount int64, phone string) (*StkPushResponse, error) {
	if amount <= 0 {
		return nil, &GatewayError{Kind: KindInvalidAmount, Message: fmt.Sprintf("amount must be a positive integer, got %d", amount)}
	}
	msisdn, err := NormalizePhone(phone, c.cfg.CountryCode)
	if err != nil {
		return nil, err
	}
	callbackURL, err := CallbackURLFor(c.cfg.CallbackURL, eventID)
	if err != nil {
		return nil, &GatewayError{Kind: KindTransport, Message: "invalid callback URL", Err: err}
	}

	build := func() any {
		ts := Timestamp(c.now())
		return StkPushRequest{
			BusinessShortCode: c.cfg.ShortCode,
			Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, ts),
			Timestamp:         ts,
			TransactionType:   c.cfg.TransactionType,
			Amount:            amount,
			PartyA:            msisdn,
			PartyB:            c.cfg.ShortCode,
			PhoneNumber:       msisdn,
			CallBackURL:       callbackURL,
			AccountReference:  eventID,
			TransactionDesc:   c.cfg.TransactionDesc,
		}
	}

	c.logger.Info("sending STK push",
		zap.String("event_id", eventID),
		zap.String("phone", msisdn),
		zap.Int64("amount", amount))

	body, err := c.authorizedPost(ctx, stkPushPath, build)
	if err != nil {
		return nil, err
	}

	var stk StkPushResponse
	if err := json.Unmarshal(body, &stk); err != nil {
		return nil, &GatewayError{Kind: KindProviderRejected, Message: "failed to decode STK push response", Detail: string(body), Err: err}
	}
	if stk.ResponseCode != "0" {
		return nil, &GatewayError{Kind: KindProviderRejected, Message: "STK push not accepted", Code: stk.ResponseCode, Detail: string(body)}
	}
	if stk.CheckoutRequestID == "" {
		return nil, &GatewayError{Kind: KindProviderRejected, Message: "STK push response has no CheckoutRequestID", Detail: string(body)}
	}

	c.logger.Info("STK push accepted",
		zap.String("event_id", eventID),
		zap.String("checkout_request_id", stk.CheckoutRequestID))
	return &stk, nil
}

// CallbackURLFor adds the event id to the configured callback URL, keeping
// any query parameters it already has.
func CallbackURLFor(base, eventID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(CallbackEventParam, eventID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Query asks the provider for the result of an earlier STK push. While the
// payer has not acted the provider answers with an error for which
// IsStillProcessing is true.
func (c *Client) Query(ctx context.Context, checkoutRequestID string) (*StkQueryResponse, error) {
	build := func() any {
		ts := Timestamp(c.now())
		return StkQueryRequest{
			BusinessShortCode: c.cfg.ShortCode,
			Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, ts),
			Timestamp:         ts,
			CheckoutRequestID: checkoutRequestID,
		}
	}

	body, err := c.authorizedPost(ctx, stkQueryPath, build)
	if err != nil {
		return nil, err
	}

	var q StkQueryResponse
	if err := json.Unmarshal(body, &q); err != nil {
		return nil, &GatewayError{Kind: KindProviderRejected, Message: "failed to decode STK query response", Detail: string(body), Err: err}
	}
	if q.ResultCode == "" {
		return nil, &GatewayError{Kind: KindProviderRejected, Message: "STK query response has no ResultCode", Code: q.ResponseCode, Detail: string(body)}
	}
	return &q, nil
}

func (c *Client) authorizedPost(ctx context.Context, path string, build func() any) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	body, status, err := c.post(ctx, path, token, build())
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		c.logger.Warn("M-Pesa rejected access token, refreshing", zap.String("path", path))
		token, err = c.tokens.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		body, status, err = c.post(ctx, path, token, build())
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, &GatewayError{Kind: KindAuthFailed, Message: "access token rejected after refresh", StatusCode: status, Detail: string(body)}
		}
	}

	if status != http.StatusOK {
		var perr providerError
		_ = json.Unmarshal(body, &perr)
		c.logger.Warn("M-Pesa API error",
			zap.String("path", path),
			zap.Int("status", status),
			zap.ByteString("body", body))
		return nil, &GatewayError{
			Kind:       KindProviderRejected,
			Message:    "M-Pesa API returned status " + strconv.Itoa(status),
			StatusCode: status,
			Code:       perr.ErrorCode,
			Detail:     string(body),
		}
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, path, token string, payload any) ([]byte, int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, &GatewayError{Kind: KindTransport, Message: "failed to marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, 0, &GatewayError{Kind: KindTransport, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, 0, &GatewayError{Kind: KindTimeout, Message: "M-Pesa request timed out", Err: err}
		}
		return nil, 0, &GatewayError{Kind: KindTransport, Message: "failed to send request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, 0, &GatewayError{Kind: KindTimeout, Message: "M-Pesa response timed out", Err: err}
		}
		return nil, 0, &GatewayError{Kind: KindTransport, Message: "failed to read response body", Err: err}
	}
	return body, resp.StatusCode, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
