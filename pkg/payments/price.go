package payments

import (
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/zhaopengme/mobclaw/pkg/logger"
)

// fallbackUSDPerMOB is used when the rate upstream is down or unconfigured.
const fallbackUSDPerMOB = 0.25

// PriceCache serves the MOB/USD rate with a one-hour cache.
type PriceCache struct {
	url    string
	client *fasthttp.Client
	ttl    time.Duration

	mu      sync.Mutex
	rate    float64
	fetched time.Time
}

func NewPriceCache(url string) *PriceCache {
	return &PriceCache{
		url:    url,
		client: &fasthttp.Client{},
		ttl:    time.Hour,
	}
}

// USDPerMOB returns the cached rate, refreshing it when stale. Upstream
// failures fall back to a constant rather than blocking payments.
func (p *PriceCache) USDPerMOB() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rate > 0 && time.Since(p.fetched) < p.ttl {
		return p.rate
	}

	rate, err := p.fetch()
	if err != nil {
		logger.WarnCF("payments", "MOB rate fetch failed, using fallback", map[string]interface{}{
			"error":    err.Error(),
			"fallback": fallbackUSDPerMOB,
		})
		if p.rate > 0 {
			return p.rate
		}
		return fallbackUSDPerMOB
	}
	p.rate = rate
	p.fetched = time.Now()
	return rate
}

// Refresh forces a fetch regardless of cache age. Scheduled hourly.
func (p *PriceCache) Refresh() {
	p.mu.Lock()
	p.fetched = time.Time{}
	p.mu.Unlock()
	p.USDPerMOB()
}

func (p *PriceCache) fetch() (float64, error) {
	if p.url == "" {
		return 0, errNoRateURL
	}
	status, body, err := p.client.GetTimeout(nil, p.url, 10*time.Second)
	if err != nil {
		return 0, err
	}
	if status != fasthttp.StatusOK {
		return 0, &WalletError{Method: "mob_rate", Code: status, Message: "rate upstream error"}
	}
	var decoded struct {
		Price float64 `json:"price"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return 0, err
	}
	if decoded.Price <= 0 {
		return 0, errBadRate
	}
	return decoded.Price, nil
}

var (
	errNoRateURL = errors.New("MOB_RATE_URL not configured")
	errBadRate   = errors.New("rate upstream returned a non-positive price")
)

// USDCents approximates the dollar value of a picoMOB amount.
func (p *PriceCache) USDCents(amountPmob int64) int64 {
	mob := float64(amountPmob) / float64(PmobPerMOB)
	return int64(math.Round(mob * p.USDPerMOB() * 100))
}
