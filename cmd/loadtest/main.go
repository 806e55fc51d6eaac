// Command loadtest гоняет сценарии заказов через HTTP API и печатает сводку задержек.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
	"github.com/vladislavdragonenkov/ordertrack/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/ordertrack/internal/version"
)

const (
	defaultJWTSecret = "dev-secret-change-me"
	defaultIssuer    = "ordertrack"
	tokenTTL         = time.Hour
	maxErrorBody     = 512
)

type loadMode string

const (
	modeCreate      loadMode = "create"
	modeCreateTrack loadMode = "create-track"
	modeLifecycle   loadMode = "lifecycle"
)

// lifecyclePath перечисляет статусы, которые вендор проходит в режиме lifecycle.
var lifecyclePath = []domain.OrderStatus{
	domain.OrderStatusConfirmed,
	domain.OrderStatusProcessing,
	domain.OrderStatusPreparing,
	domain.OrderStatusReadyForPickup,
	domain.OrderStatusOutForDelivery,
	domain.OrderStatusDelivered,
}

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	cancelRate  int
	currency    string
	vendorID    string
	productID   string
	priceMinor  int64
	customerTag string
	jwtSecret   string
	jwtIssuer   string
	outputPath  string
}

func parseConfig(args []string, getenv func(string) string, stderr io.Writer) (config, error) {
	var (
		cfg       config
		modeValue string
	)
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.baseURL, "addr", "http://localhost:8080", "HTTP API base URL")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeCreate), "load mode: create | create-track | lifecycle")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 0, "percent of scenarios cancelled right after creation (0..100)")
	fs.StringVar(&cfg.currency, "currency", "USD", "order currency")
	fs.StringVar(&cfg.vendorID, "vendor-id", "vendor-load", "vendor of the ordered item; lifecycle mode acts as this vendor")
	fs.StringVar(&cfg.productID, "product-id", "product-load", "ordered product id")
	fs.Int64Var(&cfg.priceMinor, "price-minor", 1000, "item price in minor units")
	fs.StringVar(&cfg.customerTag, "customer-tag", "load", "customer id prefix")
	fs.StringVar(&cfg.jwtSecret, "jwt-secret", "", "HS256 secret for issued tokens (fallback: ORDERTRACK_JWT_SECRET)")
	fs.StringVar(&cfg.jwtIssuer, "jwt-issuer", "", "token issuer (fallback: ORDERTRACK_JWT_ISSUER)")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	cfg.jwtSecret = firstNonEmpty(cfg.jwtSecret, getenv("ORDERTRACK_JWT_SECRET"), defaultJWTSecret)
	cfg.jwtIssuer = firstNonEmpty(cfg.jwtIssuer, getenv("ORDERTRACK_JWT_ISSUER"), defaultIssuer)

	switch {
	case cfg.baseURL == "":
		return cfg, errors.New("addr is required")
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.priceMinor < 0:
		return cfg, errors.New("price-minor must be >= 0")
	case cfg.cancelRate < 0 || cfg.cancelRate > 100:
		return cfg, errors.New("cancel-rate must be between 0 and 100")
	case strings.TrimSpace(cfg.currency) == "":
		return cfg, errors.New("currency is required")
	case strings.TrimSpace(cfg.vendorID) == "" || strings.TrimSpace(cfg.productID) == "":
		return cfg, errors.New("vendor-id and product-id are required")
	case strings.TrimSpace(cfg.customerTag) == "":
		return cfg, errors.New("customer-tag is required")
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeCreate, modeCreateTrack, modeLifecycle:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := parseConfig(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := run(ctx, cfg, &http.Client{
		Transport: &http.Transport{MaxIdleConnsPerHost: cfg.concurrency},
	})
	if err != nil {
		log.WithError(err).Fatal("load test failed")
	}

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			log.WithError(err).Fatal("failed to write report")
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// run выполняет сценарии и возвращает отчёт. Отмена ctx прекращает выдачу новых сценариев.
func run(ctx context.Context, cfg config, httpClient *http.Client) (report, error) {
	auth := httpapi.NewAuthenticator(cfg.jwtSecret, cfg.jwtIssuer)
	vendorToken, err := auth.Issue(domain.Identity{Subject: cfg.vendorID, Role: domain.RoleVendor}, tokenTTL)
	if err != nil {
		return report{}, fmt.Errorf("issue vendor token: %w", err)
	}

	startedAt := time.Now()
	col := newCollector()
	r := &runner{
		cfg:         cfg,
		auth:        auth,
		vendorToken: vendorToken,
		runID:       fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid()),
		col:         col,
		api: &apiClient{
			baseURL:   cfg.baseURL,
			http:      httpClient,
			userAgent: version.UserAgent("loadtest"),
			timeout:   cfg.timeout,
			col:       col,
		},
		logger: log.WithField("component", "loadtest"),
	}

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for i := 0; i < cfg.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				r.runScenario(ctx, index)
			}
		}()
	}

	dispatchJobs(ctx, jobs, cfg)
	wg.Wait()

	return col.buildReport(startedAt, time.Since(startedAt)), nil
}

func dispatchJobs(ctx context.Context, jobs chan<- int, cfg config) {
	defer close(jobs)

	var deadline <-chan time.Time
	if cfg.duration > 0 {
		timer := time.NewTimer(cfg.duration)
		defer timer.Stop()
		deadline = timer.C
	}
	limited := cfg.duration <= 0 || cfg.totalSet

	for i := 0; !limited || i < cfg.total; i++ {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case jobs <- i:
		}
	}
}

type runner struct {
	cfg         config
	auth        *httpapi.Authenticator
	vendorToken string
	runID       string
	api         *apiClient
	col         *collector
	logger      *log.Entry
}

func (r *runner) runScenario(ctx context.Context, index int) {
	started := time.Now()
	err := r.scenario(ctx, index)
	r.col.record(scenarioStep, time.Since(started), statusOf(err), err == nil)
	if err != nil {
		r.logger.WithError(err).WithField("scenario", index).Debug("scenario failed")
	}
}

func (r *runner) scenario(ctx context.Context, index int) error {
	customer := domain.Identity{
		Subject: fmt.Sprintf("%s-%s-%d", r.cfg.customerTag, r.runID, index),
		Role:    domain.RoleCustomer,
	}
	token, err := r.auth.Issue(customer, tokenTTL)
	if err != nil {
		return fmt.Errorf("issue customer token: %w", err)
	}

	var order domain.Order
	create := httpapi.CreateOrderRequest{
		Currency: r.cfg.currency,
		Items: []httpapi.CreateOrderItem{{
			ProductID:      r.cfg.productID,
			VendorID:       r.cfg.vendorID,
			Name:           "load item",
			UnitPriceMinor: r.cfg.priceMinor,
			Quantity:       1,
		}},
	}
	idempotencyKey := fmt.Sprintf("lt-create-%s-%d", r.runID, index)
	if err := r.api.call(ctx, "CreateOrder", token, http.MethodPost, "/v1/orders", create, idempotencyKey, &order); err != nil {
		return err
	}
	if order.ID == "" {
		return errors.New("create response returned empty order id")
	}
	if r.cfg.mode == modeCreate {
		return nil
	}

	expected := order.Status
	switch {
	case shouldCancelScenario(index, r.cfg.cancelRate):
		if err := r.api.call(ctx, "CancelOrder", token, http.MethodPost, "/v1/orders/"+order.ID+"/cancel",
			httpapi.CancelRequest{Reason: "load-cancel"}, "", nil); err != nil {
			return err
		}
		expected = domain.OrderStatusCancelled
	case r.cfg.mode == modeLifecycle:
		for _, status := range lifecyclePath {
			if err := r.api.call(ctx, "AdvanceStatus", r.vendorToken, http.MethodPost, "/v1/orders/"+order.ID+"/status",
				httpapi.AdvanceStatusRequest{Status: string(status)}, "", nil); err != nil {
				return err
			}
		}
		expected = domain.OrderStatusDelivered
	}

	var tracked httpapi.TrackResponse
	if err := r.api.call(ctx, "TrackOrder", token, http.MethodGet, "/v1/orders/"+order.ID+"/track", nil, "", &tracked); err != nil {
		return err
	}
	if tracked.Status != expected {
		return fmt.Errorf("order %s tracked as %s, want %s", order.ID, tracked.Status, expected)
	}
	return nil
}

// apiClient оборачивает HTTP-клиент API, записывающий каждый вызов в collector.
type apiClient struct {
	baseURL   string
	http      *http.Client
	userAgent string
	timeout   time.Duration
	col       *collector
}

// statusError описывает ответ API с кодом вне 2xx.
type statusError struct {
	step   string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.step, e.status, e.body)
}

func statusOf(err error) int {
	var se *statusError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &se):
		return se.status
	default:
		return 0
	}
}

func (c *apiClient) call(ctx context.Context, step, token, method, path string, body any, idempotencyKey string, out any) error {
	started := time.Now()
	status, err := c.do(ctx, step, token, method, path, body, idempotencyKey, out)
	c.col.record(step, time.Since(started), status, err == nil)
	return err
}

func (c *apiClient) do(ctx context.Context, step, token, method, path string, body any, idempotencyKey string, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("%s: encode request: %w", step, err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return 0, fmt.Errorf("%s: build request: %w", step, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(httpapi.HeaderIdempotencyKey, idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", step, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &statusError{step: step, status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s: decode response: %w", step, err)
		}
	}
	return resp.StatusCode, nil
}

func shouldCancelScenario(index, cancelRate int) bool {
	if cancelRate <= 0 {
		return false
	}
	if cancelRate >= 100 {
		return true
	}
	return index%100 < cancelRate
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
	}
	return ""
}
