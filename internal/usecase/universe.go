package usecase

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"CoinScout/pkg/config"
	"CoinScout/pkg/logger"
)

// universe selects the symbols scanned in a cycle.
type universe struct {
	static  []string
	dynamic bool
	include []*regexp.Regexp
	exclude []*regexp.Regexp
	max     int
}

func newUniverse(cfg config.UniverseConfig) (*universe, error) {
	u := &universe{dynamic: cfg.Dynamic, max: cfg.MaxSymbols}
	if u.max <= 0 {
		u.max = 100
	}
	var err error
	if u.include, err = compilePatterns(cfg.Include); err != nil {
		return nil, fmt.Errorf("universe include: %w", err)
	}
	if u.exclude, err = compilePatterns(cfg.Exclude); err != nil {
		return nil, fmt.Errorf("universe exclude: %w", err)
	}
	u.static = u.limit(normalizeSymbols(cfg.Symbols))
	return u, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// filter keeps symbols matching any include pattern (all when none are
// configured) and no exclude pattern, capped at max.
func (u *universe) filter(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range normalizeSymbols(symbols) {
		if len(u.include) > 0 && !matchAny(u.include, s) {
			continue
		}
		if matchAny(u.exclude, s) {
			continue
		}
		out = append(out, s)
	}
	return u.limit(out)
}

func (u *universe) limit(symbols []string) []string {
	if len(symbols) > u.max {
		return symbols[:u.max]
	}
	return symbols
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// resolveUniverse lists symbols from the adapters when dynamic discovery is
// enabled, falling back to the static list on failure or an empty result.
func (s *Scanner) resolveUniverse(ctx context.Context) []string {
	if !s.universe.dynamic {
		return s.universe.static
	}
	listed, err := s.source.ListSymbols(ctx)
	if err != nil {
		s.log.Debug("symbol listing unavailable, using static universe", logger.Error(err))
		return s.universe.static
	}
	symbols := s.universe.filter(listed)
	if len(symbols) == 0 {
		s.log.Warn("symbol listing filtered to nothing, using static universe", logger.Int("listed", len(listed)))
		return s.universe.static
	}
	return symbols
}
