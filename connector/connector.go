package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/mohitkumar/chatflow/action"
	"github.com/mohitkumar/chatflow/logger"
	"go.uber.org/zap"
)

type Config struct {
	MessageServiceURL string
	FormServiceURL    string
	Timeout           time.Duration
	MaxRetries        int
	RetryInterval     time.Duration
}

// NewMessageSender posts to the message service, or only logs when no URL
// is configured.
func NewMessageSender(conf Config) action.MessageSender {
	if conf.MessageServiceURL == "" {
		return &LogMessageSender{}
	}
	return &HttpMessageSender{client: newHttpClient(conf.MessageServiceURL, conf)}
}

func NewFormService(conf Config) action.FormService {
	if conf.FormServiceURL == "" {
		return &LogFormService{}
	}
	return &HttpFormService{client: newHttpClient(conf.FormServiceURL, conf)}
}

type httpClient struct {
	url           string
	client        *http.Client
	maxRetries    int
	retryInterval time.Duration
}

func newHttpClient(url string, conf Config) *httpClient {
	timeout := conf.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	interval := conf.RetryInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &httpClient{
		url:           url,
		client:        &http.Client{Timeout: timeout},
		maxRetries:    conf.MaxRetries,
		retryInterval: interval,
	}
}

// post sends body as JSON and decodes the answer into out. Transport errors,
// 429 and 5xx answers are retried.
func (c *httpClient) post(ctx context.Context, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryInterval), uint64(c.maxRetries)), ctx)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(req)
		if err != nil {
			logger.Warn("collaborator call failed", zap.String("url", c.url), zap.Error(err))
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("%s answered %d", c.url, resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("%s answered %d", c.url, resp.StatusCode))
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return backoff.Permanent(err)
		}
		return nil
	}, b)
}

type HttpMessageSender struct {
	client *httpClient
}

func (s *HttpMessageSender) Send(ctx context.Context, recipient string, body string) (string, error) {
	var res struct {
		MessageRef string `json:"messageRef"`
		Id         string `json:"id"`
	}
	if err := s.client.post(ctx, map[string]any{"recipient": recipient, "body": body}, &res); err != nil {
		return "", err
	}
	if res.MessageRef != "" {
		return res.MessageRef, nil
	}
	return res.Id, nil
}

type HttpFormService struct {
	client *httpClient
}

func (s *HttpFormService) CreateInstance(ctx context.Context, formRef string, data map[string]any) (string, error) {
	var res struct {
		InstanceId string `json:"instanceId"`
		Id         string `json:"id"`
	}
	if err := s.client.post(ctx, map[string]any{"formRef": formRef, "data": data}, &res); err != nil {
		return "", err
	}
	id := res.InstanceId
	if id == "" {
		id = res.Id
	}
	if id == "" {
		return "", fmt.Errorf("form service returned no instance id for %s", formRef)
	}
	return id, nil
}

type LogMessageSender struct{}

func (s *LogMessageSender) Send(ctx context.Context, recipient string, body string) (string, error) {
	ref := uuid.NewString()
	logger.Info("message", zap.String("recipient", recipient), zap.String("body", body), zap.String("messageRef", ref))
	return ref, nil
}

type LogFormService struct{}

func (s *LogFormService) CreateInstance(ctx context.Context, formRef string, data map[string]any) (string, error) {
	id := uuid.NewString()
	logger.Info("form instance", zap.String("formRef", formRef), zap.String("instance", id), zap.Any("data", data))
	return id, nil
}
