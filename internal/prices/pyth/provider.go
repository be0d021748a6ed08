// Package pyth reads prices from a Pyth Hermes endpoint.
package pyth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leafsii/pm15-backend/internal/prices"
)

const DefaultHermesURL = "https://hermes.pyth.network"

// Provider implements prices.Oracle against the Hermes REST API
type Provider struct {
	logger  *zap.SugaredLogger
	client  *http.Client
	baseURL string

	mu     sync.RWMutex
	health prices.ProviderHealth
}

// NewProvider creates a Hermes client; an empty baseURL selects the public endpoint
func NewProvider(logger *zap.SugaredLogger, baseURL string, timeout time.Duration) *Provider {
	if baseURL == "" {
		baseURL = DefaultHermesURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Provider{
		logger:  logger,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		health: prices.ProviderHealth{
			Healthy: true,
		},
	}
}

// Name returns the provider identifier
func (p *Provider) Name() string {
	return "pyth"
}

// Health returns current provider health status
func (p *Provider) Health() prices.ProviderHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

func (p *Provider) updateHealth(healthy bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.health.Healthy = healthy
	if healthy {
		p.health.LastSuccess = time.Now()
		p.health.LastError = ""
	} else if err != nil {
		p.health.LastError = err.Error()
	}
}

type latestResponse struct {
	Parsed []parsedUpdate `json:"parsed"`
}

type parsedUpdate struct {
	ID    string      `json:"id"`
	Price parsedPrice `json:"price"`
}

type parsedPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// GetPrice fetches the latest update for feedID and validates it
func (p *Provider) GetPrice(ctx context.Context, feedID string, maxAge time.Duration, now time.Time) (prices.Sample, error) {
	sample, err := p.Latest(ctx, feedID)
	if err != nil {
		return prices.Sample{}, fmt.Errorf("%w: %v", prices.ErrStalePrice, err)
	}
	if err := prices.Validate(sample, feedID, maxAge, now); err != nil {
		p.logger.Warnw("Pyth sample rejected", "feed", feedID, "publishTime", sample.PublishTime, "error", err)
		return prices.Sample{}, err
	}
	return sample, nil
}

// Latest returns the newest published sample without a freshness check
func (p *Provider) Latest(ctx context.Context, feedID string) (prices.Sample, error) {
	params := url.Values{}
	params.Add("ids[]", "0x"+prices.NormalizeFeedID(feedID))
	params.Set("parsed", "true")
	requestURL := fmt.Sprintf("%s/v2/updates/price/latest?%s", p.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		p.updateHealth(false, err)
		return prices.Sample{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.updateHealth(false, err)
		return prices.Sample{}, fmt.Errorf("failed to fetch from Hermes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("hermes API error: %d", resp.StatusCode)
		p.updateHealth(false, err)
		return prices.Sample{}, err
	}

	var body latestResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		p.updateHealth(false, err)
		return prices.Sample{}, fmt.Errorf("failed to decode response: %w", err)
	}

	for _, u := range body.Parsed {
		if !prices.SameFeed(u.ID, feedID) {
			continue
		}
		sample, err := u.sample()
		if err != nil {
			p.updateHealth(false, err)
			return prices.Sample{}, err
		}
		p.updateHealth(true, nil)
		p.logger.Debugw("Fetched price from Hermes", "feed", feedID, "price", sample.Price, "expo", sample.Expo)
		return sample, nil
	}

	err = fmt.Errorf("feed %s not present in response", feedID)
	p.updateHealth(false, err)
	return prices.Sample{}, err
}

func (u parsedUpdate) sample() (prices.Sample, error) {
	price, err := strconv.ParseInt(u.Price.Price, 10, 64)
	if err != nil {
		return prices.Sample{}, fmt.Errorf("invalid price %q: %w", u.Price.Price, err)
	}
	conf, err := strconv.ParseUint(u.Price.Conf, 10, 64)
	if err != nil {
		return prices.Sample{}, fmt.Errorf("invalid conf %q: %w", u.Price.Conf, err)
	}
	return prices.Sample{
		FeedID:      "0x" + prices.NormalizeFeedID(u.ID),
		Price:       price,
		Conf:        conf,
		Expo:        u.Price.Expo,
		PublishTime: time.Unix(u.Price.PublishTime, 0).UTC(),
	}, nil
}
