package provider

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

	"go.uber.org/zap"
)

const (
	headerAuthorization  = "Authorization"
	headerContentType    = "Content-Type"
	contentTypeJSON      = "application/json"
	authorizationScheme  = "Token "
	maxResponseBodyBytes = 1 << 20
	defaultTimeout       = 20 * time.Second
)

// ClientConfig configures the HTTP gateway.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	// Timeout bounds every single HTTP call, submit included.
	Timeout time.Duration
	Retry   RetryPolicy
}

// Client is the HTTP implementation of Gateway.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	timeout    time.Duration
	retry      RetryPolicy
	httpClient *http.Client
	logger     *zap.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the transport.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg ClientConfig, options ...ClientOption) (*Client, error) {
	baseURL, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("provider: invalid base url %q", cfg.BaseURL)
	}
	if !strings.HasSuffix(baseURL.Path, "/") {
		baseURL.Path += "/"
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("provider: api key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retry := cfg.Retry
	if retry.Attempts == 0 {
		retry = DefaultRetryPolicy
	}
	client := &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		timeout:    timeout,
		retry:      retry.normalized(),
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// Submit posts a purchase once. Transport failures and unexpected responses
// are ambiguous because the provider may have charged anyway.
func (client *Client) Submit(ctx context.Context, request SubmitRequest) Outcome {
	path, err := purchasePath(request.ServiceType)
	if err != nil {
		return Rejected(err.Error())
	}
	body, err := request.Payload.Marshal(request.IdempotencyKey)
	if err != nil {
		return Rejected(fmt.Sprintf("encode payload: %v", err))
	}
	outcome := client.call(ctx, http.MethodPost, path, nil, body)
	if outcome.Kind == OutcomeSuccess && outcome.ProviderRef == "" {
		outcome.ProviderRef = request.IdempotencyKey
	}
	client.logger.Info("provider submit",
		zap.String("service", request.ServiceType.String()),
		zap.String("request_id", request.IdempotencyKey),
		zap.String("outcome", string(outcome.Kind)),
		zap.String("provider_ref", outcome.ProviderRef),
		zap.String("reason", outcome.Reason),
	)
	return outcome
}

// Status queries a purchase by request id, retrying while the answer is
// ambiguous. A purchase the provider has never seen is rejected.
func (client *Client) Status(ctx context.Context, idempotencyKey string, providerRef string) Outcome {
	query := url.Values{}
	query.Set(fieldRequestID, idempotencyKey)
	if providerRef != "" {
		query.Set("reference", providerRef)
	}
	outcome := retryAmbiguous(ctx, client.retry, func(ctx context.Context) Outcome {
		return client.call(ctx, http.MethodGet, pathTransactionStatus, query, nil)
	})
	if outcome.Kind == OutcomeSuccess && outcome.ProviderRef == "" {
		outcome.ProviderRef = firstNonEmpty(providerRef, idempotencyKey)
	}
	client.logger.Info("provider status",
		zap.String("request_id", idempotencyKey),
		zap.String("outcome", string(outcome.Kind)),
		zap.String("reason", outcome.Reason),
	)
	return outcome
}

// VerifyMeter checks a prepaid meter number with the disco.
func (client *Client) VerifyMeter(ctx context.Context, meter string, disco string) (MeterInfo, error) {
	body, err := json.Marshal(map[string]string{"meter": meter, "disco": disco})
	if err != nil {
		return MeterInfo{}, err
	}
	var decoded providerResponse
	outcome := retryAmbiguous(ctx, client.retry, func(ctx context.Context) Outcome {
		var outcome Outcome
		outcome, decoded = client.do(ctx, http.MethodPost, pathElectricityVerify, nil, body)
		return outcome
	})
	switch outcome.Kind {
	case OutcomeSuccess:
		return MeterInfo{Valid: true, CustomerName: decoded.CustomerName, Message: decoded.Message}, nil
	case OutcomeRejected:
		return MeterInfo{Valid: false, Message: outcome.Reason}, nil
	}
	return MeterInfo{}, fmt.Errorf("%w: %s", ErrProviderUnavailable, outcome.Reason)
}

func (client *Client) call(ctx context.Context, method string, path string, query url.Values, body []byte) Outcome {
	outcome, _ := client.do(ctx, method, path, query, body)
	return outcome
}

func (client *Client) do(ctx context.Context, method string, path string, query url.Values, body []byte) (Outcome, providerResponse) {
	callContext, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	endpoint := client.baseURL.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpRequest, err := http.NewRequestWithContext(callContext, method, endpoint.String(), reader)
	if err != nil {
		return Rejected(fmt.Sprintf("build request: %v", err)), providerResponse{}
	}
	httpRequest.Header.Set(headerAuthorization, authorizationScheme+client.apiKey)
	if body != nil {
		httpRequest.Header.Set(headerContentType, contentTypeJSON)
	}

	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return Ambiguous(fmt.Sprintf("transport: %v", err)), providerResponse{}
	}
	defer httpResponse.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBodyBytes))
	if err != nil {
		return Ambiguous(fmt.Sprintf("read response: %v", err)), providerResponse{}
	}

	var decoded providerResponse
	decodeError := json.Unmarshal(raw, &decoded)
	return classify(method, httpResponse.StatusCode, decoded, decodeError), decoded
}

// classify maps a provider response onto an outcome. On the status path only
// a 404 or an explicit failed status releases funds; any other error response
// says nothing about whether the purchase was charged.
func classify(method string, statusCode int, decoded providerResponse, decodeError error) Outcome {
	lookup := method == http.MethodGet
	switch {
	case statusCode == http.StatusNotFound && lookup:
		return Rejected("unknown to provider")
	case statusCode >= 400 && lookup:
		return Ambiguous(fmt.Sprintf("status lookup http %d", statusCode))
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		return Ambiguous(fmt.Sprintf("http %d", statusCode))
	case statusCode >= 500:
		return Ambiguous(fmt.Sprintf("http %d", statusCode))
	case statusCode >= 400:
		return Rejected(firstNonEmpty(decoded.Message, fmt.Sprintf("http %d", statusCode)))
	case statusCode < 200 || statusCode >= 300:
		return Ambiguous(fmt.Sprintf("http %d", statusCode))
	}
	if decodeError != nil {
		return Ambiguous("undecodable response")
	}
	switch decoded.Status.kind() {
	case OutcomeSuccess:
		return Success(decoded.Reference)
	case OutcomeRejected:
		return Rejected(firstNonEmpty(decoded.Message, "rejected by provider"))
	}
	return Ambiguous(firstNonEmpty(decoded.Message, "pending at provider"))
}

type providerResponse struct {
	Status       providerStatus `json:"status"`
	Message      string         `json:"message"`
	Reference    string         `json:"reference"`
	CustomerName string         `json:"customer_name"`
}

// providerStatus accepts both boolean and string status fields.
type providerStatus string

func (status *providerStatus) UnmarshalJSON(raw []byte) error {
	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		*status = providerStatus(fmt.Sprintf("%t", flag))
		return nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return err
	}
	*status = providerStatus(strings.ToLower(strings.TrimSpace(text)))
	return nil
}

func (status providerStatus) kind() OutcomeKind {
	switch status {
	case "true", "success", "successful", "completed", "delivered":
		return OutcomeSuccess
	case "false", "failed", "failure", "error", "reversed", "refunded", "cancelled":
		return OutcomeRejected
	}
	return OutcomeAmbiguous
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
