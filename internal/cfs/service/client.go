package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	cfsdomain "github.com/govfees/payrecon/internal/cfs/domain"
	"github.com/govfees/payrecon/internal/config"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ClientParam struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

// Client talks JSON over HTTPS to CFS, refreshing its bearer token
// transparently.
type Client struct {
	http  *resty.Client
	log   *zap.Logger
	cfg   config.CFSConfig
	sleep func(time.Duration)

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(p ClientParam) cfsdomain.Service {
	c := &Client{
		log:   p.Log.Named("cfs.client"),
		cfg:   p.Config.CFS,
		sleep: time.Sleep,
	}
	c.http = resty.New().
		SetBaseURL(p.Config.CFS.BaseURL).
		SetTimeout(time.Duration(p.Config.CFS.TimeoutSec)*time.Second).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(1).
		SetRetryWaitTime(time.Millisecond).
		AddRetryCondition(func(resp *resty.Response, _ error) bool {
			// a 401 means the cached token was revoked server-side;
			// drop it and retry once with a fresh one
			if resp != nil && resp.StatusCode() == http.StatusUnauthorized {
				c.invalidateToken()
				return true
			}
			return false
		}).
		OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			token, err := c.bearerToken(req.Context())
			if err != nil {
				return err
			}
			req.SetAuthToken(token)
			return nil
		})
	return c
}

func (c *Client) bearerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	resp, err := resty.New().R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&body).
		Post(c.cfg.TokenURL)
	if err != nil {
		return "", fmt.Errorf("fetch cfs token: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("fetch cfs token: status %d", resp.StatusCode())
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("fetch cfs token: empty access token")
	}

	c.token = body.AccessToken
	// refresh one minute early
	c.tokenExpiry = time.Now().Add(time.Duration(body.ExpiresIn)*time.Second - time.Minute)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func sitePath(site *accountdomain.CfsAccount) string {
	return fmt.Sprintf("/cfs/parties/%s/accs/%s/sites/%s", site.CfsParty, site.CfsAccount, site.CfsSite)
}

// classify maps transport and status errors to the facade's error kinds.
func classify(resp *resty.Response, err error) error {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return cfsdomain.ErrTimeout
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return cfsdomain.ErrTimeout
		}
		return err
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return cfsdomain.ErrNotFound
	case resp.StatusCode() >= 400 && resp.StatusCode() < 500:
		return fmt.Errorf("%w: status %d: %s", cfsdomain.ErrClient, resp.StatusCode(), resp.String())
	case resp.StatusCode() >= 500:
		return fmt.Errorf("cfs server error: status %d", resp.StatusCode())
	}
	return nil
}

type invoicePayload struct {
	TransactionNumber string               `json:"transaction_number"`
	TransactionDate   string               `json:"transaction_date"`
	Lines             []cfsdomain.LineItem `json:"lines"`
}

func (c *Client) CreateAccountInvoice(ctx context.Context, site *accountdomain.CfsAccount, req cfsdomain.InvoiceRequest) (cfsdomain.Invoice, error) {
	var out cfsdomain.Invoice
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(invoicePayload{
			TransactionNumber: req.TransactionNumber,
			TransactionDate:   req.TransactionDate.Format(time.RFC3339),
			Lines:             req.Lines,
		}).
		SetResult(&out).
		Post(sitePath(site) + "/invs/")
	if cerr := classify(resp, err); cerr != nil {
		return cfsdomain.Invoice{}, cerr
	}
	return out, nil
}

func (c *Client) GetInvoice(ctx context.Context, site *accountdomain.CfsAccount, invoiceNumber string) (cfsdomain.Invoice, error) {
	var out cfsdomain.Invoice
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(sitePath(site) + "/invs/" + invoiceNumber + "/")
	if cerr := classify(resp, err); cerr != nil {
		return cfsdomain.Invoice{}, cerr
	}
	return out, nil
}

func (c *Client) CreateReceipt(ctx context.Context, site *accountdomain.CfsAccount, receiptNumber string, receiptDate time.Time, amount decimal.Decimal, method accountdomain.PaymentMethod) (cfsdomain.Receipt, error) {
	var out cfsdomain.Receipt
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"receipt_number": receiptNumber,
			"receipt_date":   receiptDate.Format("2006-01-02"),
			"receipt_amount": amount,
			"payment_method": string(method),
		}).
		SetResult(&out).
		Post(sitePath(site) + "/rcpts/")
	if cerr := classify(resp, err); cerr != nil {
		return cfsdomain.Receipt{}, cerr
	}
	return out, nil
}

func (c *Client) GetReceipt(ctx context.Context, site *accountdomain.CfsAccount, receiptNumber string) (cfsdomain.Receipt, error) {
	var out cfsdomain.Receipt
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(sitePath(site) + "/rcpts/" + receiptNumber + "/")
	if cerr := classify(resp, err); cerr != nil {
		return cfsdomain.Receipt{}, cerr
	}
	return out, nil
}

func (c *Client) ApplyReceipt(ctx context.Context, site *accountdomain.CfsAccount, receiptNumber, invoiceNumber string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"invoice_number": invoiceNumber}).
		Post(sitePath(site) + "/rcpts/" + receiptNumber + "/apply/")
	return classify(resp, err)
}

func (c *Client) UnapplyReceipt(ctx context.Context, site *accountdomain.CfsAccount, receiptNumber, invoiceNumber string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"invoice_number": invoiceNumber}).
		Post(sitePath(site) + "/rcpts/" + receiptNumber + "/unapply/")
	return classify(resp, err)
}

func (c *Client) ReverseReceipt(ctx context.Context, site *accountdomain.CfsAccount, receiptNumber string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post(sitePath(site) + "/rcpts/" + receiptNumber + "/reverse/")
	return classify(resp, err)
}

func (c *Client) ReverseInvoice(ctx context.Context, site *accountdomain.CfsAccount, invoiceNumber string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post(sitePath(site) + "/invs/" + invoiceNumber + "/reverse/")
	return classify(resp, err)
}

func (c *Client) AdjustInvoice(ctx context.Context, site *accountdomain.CfsAccount, invoiceNumber string, amount decimal.Decimal, comment string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"adjustment_amount": amount,
			"comment":           comment,
		}).
		Post(sitePath(site) + "/invs/" + invoiceNumber + "/adjs/")
	return classify(resp, err)
}

func (c *Client) CreateCreditMemo(ctx context.Context, site *accountdomain.CfsAccount, cmNumber string, amount decimal.Decimal) (cfsdomain.CreditMemo, error) {
	var out cfsdomain.CreditMemo
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"credit_memo_number": cmNumber,
			"amount":             amount,
		}).
		SetResult(&out).
		Post(sitePath(site) + "/cms/")
	if cerr := classify(resp, err); cerr != nil {
		return cfsdomain.CreditMemo{}, cerr
	}
	return out, nil
}

func (c *Client) GetCreditMemo(ctx context.Context, site *accountdomain.CfsAccount, cmNumber string) (cfsdomain.CreditMemo, error) {
	var out cfsdomain.CreditMemo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(sitePath(site) + "/cms/" + cmNumber + "/")
	if cerr := classify(resp, err); cerr != nil {
		return cfsdomain.CreditMemo{}, cerr
	}
	return out, nil
}

func (c *Client) UpdateSiteReceiptMethod(ctx context.Context, site *accountdomain.CfsAccount, receiptMethod string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"receipt_method": receiptMethod}).
		Put(sitePath(site) + "/")
	return classify(resp, err)
}

// CreateInvoiceOrAdopt creates a CFS invoice; on timeout it waits a grace
// period, probes by derived invoice number, and adopts the invoice only when
// number and total both match. CFS side-effects may have partially succeeded
// on a timeout, so blind retry is never safe here.
func (c *Client) CreateInvoiceOrAdopt(ctx context.Context, site *accountdomain.CfsAccount, req cfsdomain.InvoiceRequest, expectedTotal decimal.Decimal) (cfsdomain.DispatchOutcome, error) {
	created, err := c.CreateAccountInvoice(ctx, site, req)
	if err == nil {
		return cfsdomain.Created{Invoice: created}, nil
	}
	if errors.Is(err, cfsdomain.ErrClient) {
		return nil, err
	}

	c.log.Warn("cfs create failed, probing",
		zap.String("transaction_number", req.TransactionNumber),
		zap.Error(err),
	)
	c.sleep(time.Duration(c.cfg.AdoptGraceSec) * time.Second)

	derived := cfsdomain.InvoiceNumber(req.TransactionNumber)
	probed, probeErr := c.GetInvoice(ctx, site, derived)
	if probeErr != nil {
		if errors.Is(probeErr, cfsdomain.ErrNotFound) {
			return cfsdomain.SkipUnknown{Reason: "invoice not found on probe"}, nil
		}
		return cfsdomain.SkipUnknown{Reason: probeErr.Error()}, nil
	}
	if probed.InvoiceNumber == derived && probed.Total.Equal(expectedTotal) {
		return cfsdomain.AdoptedOnProbe{Invoice: probed}, nil
	}
	return cfsdomain.SkipUnknown{
		Reason: fmt.Sprintf("probe mismatch: number=%s total=%s expected=%s", probed.InvoiceNumber, probed.Total, expectedTotal),
	}, nil
}
