// Package ratesync keeps exchange rates in sync with the European Central
// Bank's daily reference rates.
package ratesync

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/store"
	"ledgerflow/internal/task"
)

const (
	TaskID         = "ecb_exchange_rates"
	DefaultBaseURL = "https://data-api.ecb.europa.eu/service/data"

	lookback = 2 // months
	schedule = "0 0 17 * * *"
)

var currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)

type Config struct {
	IncludeAssets []string `json:"include_assets"`
}

func (c *Config) Validate() error {
	if len(c.IncludeAssets) == 0 {
		return errors.New("include_assets is required")
	}
	for _, code := range c.IncludeAssets {
		if !currencyCode.MatchString(code) {
			return errors.Newf("invalid currency code %q", code)
		}
	}
	return nil
}

// ECB downloads daily EUR reference rates for the configured currencies.
type ECB struct {
	client  *http.Client
	baseURL string
	rates   store.RateStore
	now     func() time.Time
}

func NewECB(rates store.RateStore, baseURL string, timeout time.Duration) *ECB {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ECB{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		rates:   rates,
		now:     time.Now,
	}
}

func (e *ECB) ID() string     { return TaskID }
func (e *ECB) NewConfig() any { return &Config{} }

func (e *ECB) Execute(ctx context.Context, jc *task.JobContext) error {
	cfg, err := task.Config[Config](jc)
	if err != nil {
		return err
	}

	rates, err := e.Fetch(ctx, cfg.IncludeAssets)
	if err != nil {
		return err
	}
	n, err := e.rates.UpsertRates(ctx, rates)
	if err != nil {
		return errors.Wrap(err, "store exchange rates")
	}
	jc.Logger.Info().Int("rates", n).Strs("assets", cfg.IncludeAssets).Msg("exchange rates updated")

	return jc.RescheduleCron(ctx, schedule)
}

func (e *ECB) url(codes []string) string {
	start := e.now().AddDate(0, -lookback, 0).Format(time.DateOnly)
	return fmt.Sprintf("%s/EXR/D.%s.EUR.SP00.A?format=csvdata&detail=dataonly&startPeriod=%s",
		e.baseURL, strings.Join(codes, "+"), start)
}

// Fetch downloads and parses the rates of codes for the lookback period.
func (e *ECB) Fetch(ctx context.Context, codes []string) ([]domain.ExchangeRate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url(codes), nil)
	if err != nil {
		return nil, errors.Wrap(err, "create ECB request")
	}
	req.Header.Set("Accept", "text/csv")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "ECB request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Newf("ECB returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return ParseCSV(resp.Body)
}

// ParseCSV reads the ECB SDMX csvdata format. Columns are located by header
// name; observations without a value are skipped.
func ParseCSV(r io.Reader) ([]domain.ExchangeRate, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read ECB header")
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, name := range []string{"CURRENCY", "CURRENCY_DENOM", "TIME_PERIOD", "OBS_VALUE"} {
		if _, ok := col[name]; !ok {
			return nil, errors.Newf("ECB response lacks column %s", name)
		}
	}

	var out []domain.ExchangeRate
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read ECB line %d", line)
		}
		field := func(name string) string {
			if i := col[name]; i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		value := field("OBS_VALUE")
		if value == "" {
			continue
		}
		rate, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: rate", line)
		}
		date, err := time.Parse(time.DateOnly, field("TIME_PERIOD"))
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: date", line)
		}
		out = append(out, domain.ExchangeRate{
			Base:  field("CURRENCY_DENOM"),
			Quote: field("CURRENCY"),
			Rate:  rate,
			Date:  date,
		})
	}
	return out, nil
}

var _ task.Task = (*ECB)(nil)
