package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"CoinScout/internal/domain/models"
	lru "CoinScout/internal/service/cache"
	"CoinScout/pkg/config"
	xhttp "CoinScout/pkg/http"
	"CoinScout/pkg/logger"
	"CoinScout/pkg/util"
)

const newsPostsPath = "/posts/"

var errNoAPIKey = errors.New("news: api key not configured")

// NewsAdapter pulls headlines from a CryptoPanic-style aggregator and derives
// sentiment and impact from community votes.
type NewsAdapter struct {
	cfg       config.NewsConfig
	client    *xhttp.Client
	posts     *lru.LRU[[]models.NewsEvent]
	mock      *MockAdapter
	connected atomic.Bool
	log       *logger.Logger
}

func NewNewsAdapter(cfg config.NewsConfig, timeout time.Duration, log *logger.Logger, opts ...xhttp.ClientOption) *NewsAdapter {
	if log == nil {
		log = logger.NewNop()
	}
	clientOpts := append([]xhttp.ClientOption{
		xhttp.WithTimeout(timeout),
		xhttp.WithRateLimit(cfg.RateLimit, cfg.Burst),
		xhttp.WithRetries(cfg.MaxRetries, 500*time.Millisecond),
	}, opts...)
	a := &NewsAdapter{
		cfg:    cfg,
		client: xhttp.NewClient(clientOpts...),
		posts:  lru.NewLRU[[]models.NewsEvent](cfg.CacheSize, cfg.CacheTTL),
		log:    log.With(logger.String("adapter", "news")),
	}
	if cfg.Mock {
		a.mock = NewMockAdapter("news", config.MockAdapterConfig{Seed: 11})
	}
	return a
}

func (a *NewsAdapter) Name() string             { return "news" }
func (a *NewsAdapter) Type() models.AdapterType { return models.AdapterTypeNews }
func (a *NewsAdapter) IsMock() bool             { return a.mock != nil }
func (a *NewsAdapter) IsConnected() bool        { return a.connected.Load() }

func (a *NewsAdapter) Connect(ctx context.Context) error {
	if a.mock != nil {
		_ = a.mock.Connect(ctx)
		a.connected.Store(true)
		return nil
	}
	if a.cfg.APIKey == "" {
		return errNoAPIKey
	}
	if _, err := a.fetch(ctx, ""); err != nil {
		return fmt.Errorf("news connect: %w", err)
	}
	a.connected.Store(true)
	return nil
}

func (a *NewsAdapter) Disconnect(ctx context.Context) error {
	a.connected.Store(false)
	if a.mock != nil {
		return a.mock.Disconnect(ctx)
	}
	return nil
}

// HealthCheck does not spend API quota; failures surface through calls.
func (a *NewsAdapter) HealthCheck(context.Context) error {
	if !a.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

// GetNewsEvents returns events about symbol's base asset published at or
// after since, newest first.
func (a *NewsAdapter) GetNewsEvents(ctx context.Context, symbol string, since time.Time, limit int) ([]models.NewsEvent, error) {
	if !a.connected.Load() {
		return nil, ErrNotConnected
	}
	if a.mock != nil {
		return a.mock.GetNewsEvents(ctx, symbol, since, limit)
	}
	base := models.BaseAsset(symbol)
	events, err := a.posts.GetOrLoad(base, func() ([]models.NewsEvent, error) {
		return a.fetch(ctx, base)
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.NewsEvent, 0, len(events))
	for _, ev := range events {
		if !ev.PublishedAt.Before(since) {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (a *NewsAdapter) fetch(ctx context.Context, currency string) ([]models.NewsEvent, error) {
	q := map[string][]string{
		"auth_token": {a.cfg.APIKey},
		"kind":       {"news"},
		"public":     {"true"},
	}
	if currency != "" {
		q["currencies"] = []string{currency}
	}
	body, err := a.client.GetBytes(ctx, strings.TrimRight(a.cfg.BaseURL, "/")+newsPostsPath, q, nil)
	if err != nil {
		return nil, fmt.Errorf("news posts %s: %w", currency, err)
	}
	return parseNewsPosts(body)
}

func parseNewsPosts(body []byte) ([]models.NewsEvent, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid news json")
	}
	var out []models.NewsEvent
	gjson.GetBytes(body, "results").ForEach(func(_, p gjson.Result) bool {
		published, ok := util.ParseTime(p.Get("published_at").String())
		if !ok {
			return true
		}
		var related []string
		p.Get("currencies").ForEach(func(_, c gjson.Result) bool {
			related = append(related, strings.ToUpper(c.Get("code").String()))
			return true
		})
		sentiment, impact := voteScores(p.Get("votes"))
		ev := models.NewsEvent{
			ID:             p.Get("id").String(),
			Title:          p.Get("title").String(),
			Source:         p.Get("source.title").String(),
			URL:            p.Get("url").String(),
			PublishedAt:    published,
			Sentiment:      sentiment,
			Impact:         impact,
			RelatedSymbols: related,
		}
		if kind := p.Get("kind").String(); kind != "" {
			ev.Categories = []string{kind}
		}
		if d := p.Get("domain").String(); d != "" {
			ev.Keywords = []string{d}
		}
		out = append(out, ev)
		return true
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	return out, nil
}

// voteScores turns community votes into sentiment in [-1,1] and impact in
// [0,1]. Posts without votes are neutral with a base impact.
func voteScores(v gjson.Result) (sentiment, impact float64) {
	pos := v.Get("positive").Float() + v.Get("liked").Float()
	neg := v.Get("negative").Float() + v.Get("disliked").Float() + v.Get("toxic").Float()
	if pos+neg > 0 {
		sentiment = (pos - neg) / (pos + neg)
	}
	impact = 0.3 + 0.1*v.Get("important").Float() + 0.02*(pos+neg+v.Get("saved").Float())
	if impact > 1 {
		impact = 1
	}
	return sentiment, impact
}
