package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ruby14-bit/LIZ-EVENTS/models"
	"go.uber.org/zap"
)

const brevoURL = "https://api.brevo.com/v3/smtp/email"

type BrevoConfig struct {
	APIKey      string
	SenderEmail string
	SenderName  string
	// OwnerEmail receives a note whenever a payment settles.
	OwnerEmail string
}

type BrevoService struct {
	cfg        BrevoConfig
	url        string
	httpClient *http.Client
	logger     *zap.Logger
	wg         sync.WaitGroup
}

type brevoPayload struct {
	Sender      map[string]string   `json:"sender"`
	To          []map[string]string `json:"to"`
	Subject     string              `json:"subject"`
	HTMLContent string              `json:"htmlContent"`
}

// NewBrevoService returns nil when the service is not configured, so callers
// can leave it out of the listener list.
func NewBrevoService(cfg BrevoConfig, logger *zap.Logger) *BrevoService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIKey == "" || cfg.SenderEmail == "" || cfg.OwnerEmail == "" {
		logger.Warn("email service not configured, settlement emails disabled")
		return nil
	}
	if cfg.SenderName == "" {
		cfg.SenderName = "LIZ Events"
	}
	return &BrevoService{
		cfg:        cfg,
		url:        brevoURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (s *BrevoService) Send(ctx context.Context, toEmail, toName, subject, htmlContent string) error {
	if toEmail == "" || !strings.Contains(toEmail, "@") {
		return fmt.Errorf("invalid recipient email: %s", toEmail)
	}
	if toName == "" {
		toName = toEmail[:strings.Index(toEmail, "@")]
	}

	body, err := json.Marshal(brevoPayload{
		Sender:      map[string]string{"name": s.cfg.SenderName, "email": s.cfg.SenderEmail},
		To:          []map[string]string{{"email": toEmail, "name": toName}},
		Subject:     subject,
		HTMLContent: htmlContent,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("accept", "application/json")
	req.Header.Set("api-key", s.cfg.APIKey)
	req.Header.Set("content-type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("brevo returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// PaymentChanged mails the owner when a payment completes or fails. The mail
// goes out on its own goroutine; Wait blocks until all of them finish.
func (s *BrevoService) PaymentChanged(ctx context.Context, e models.Event) {
	subject, content, ok := settlementEmail(e)
	if !ok {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := s.Send(ctx, s.cfg.OwnerEmail, "", subject, content); err != nil {
			s.logger.Warn("failed to send settlement email", zap.String("event_id", e.ID), zap.Error(err))
			return
		}
		s.logger.Info("settlement email sent", zap.String("event_id", e.ID))
	}()
}

func (s *BrevoService) Wait() {
	s.wg.Wait()
}

func settlementEmail(e models.Event) (subject, content string, ok bool) {
	name := html.EscapeString(e.Name)
	switch e.PaymentStatus {
	case models.PaymentCompleted:
		var receipt string
		var paid int64
		if e.PaymentReceipt != nil {
			receipt = *e.PaymentReceipt
		}
		if e.AmountPaid != nil {
			paid = *e.AmountPaid
		}
		return fmt.Sprintf("Deposit received for %s", e.Name),
			fmt.Sprintf("<h1>Deposit received</h1><p>The client paid KES %d for <b>%s</b>.</p><p>M-Pesa receipt: %s</p>",
				paid, name, html.EscapeString(receipt)),
			true
	case models.PaymentFailed:
		var desc string
		if e.PaymentResultDesc != nil {
			desc = *e.PaymentResultDesc
		}
		return fmt.Sprintf("Deposit failed for %s", e.Name),
			fmt.Sprintf("<h1>Deposit failed</h1><p>The M-Pesa payment for <b>%s</b> did not go through.</p><p>%s</p>",
				name, html.EscapeString(desc)),
			true
	}
	return "", "", false
}
