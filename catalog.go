package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// PageCatalog holds the candidate page titles that sessions race across.
// All reads are gated on the first successful population; after that,
// refreshes swap the set in place without ever blocking readers again.
type PageCatalog struct {
	mu     sync.RWMutex
	titles []string

	once  sync.Once
	ready chan struct{}
}

func newPageCatalog() *PageCatalog {
	return &PageCatalog{
		ready: make(chan struct{}),
	}
}

// populate replaces the candidate set. The first call with at least two
// distinct titles releases the readiness gate.
func (pc *PageCatalog) populate(titles []string) {
	seen := make(map[string]bool, len(titles))
	deduped := make([]string, 0, len(titles))
	for _, title := range titles {
		if title == "" || seen[title] {
			continue
		}
		seen[title] = true
		deduped = append(deduped, title)
	}

	if len(deduped) < 2 {
		return
	}

	pc.mu.Lock()
	pc.titles = deduped
	pc.mu.Unlock()

	pc.once.Do(func() {
		close(pc.ready)
	})
}

// waitReady suspends until the initial population completes.
func (pc *PageCatalog) waitReady(ctx context.Context) error {
	select {
	case <-pc.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (pc *PageCatalog) isReady() bool {
	select {
	case <-pc.ready:
		return true
	default:
		return false
	}
}

// sample returns two distinct titles for session activation.
func (pc *PageCatalog) sample() (origin string, goal string, err error) {
	if !pc.isReady() {
		return "", "", errCatalogNotReady
	}

	pc.mu.RLock()
	defer pc.mu.RUnlock()

	if len(pc.titles) < 2 {
		return "", "", errCatalogNotReady
	}

	i := randomIndex(len(pc.titles))
	j := randomIndex(len(pc.titles) - 1)
	if j >= i {
		j++
	}

	return pc.titles[i], pc.titles[j], nil
}

func (pc *PageCatalog) size() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.titles)
}

func randomIndex(n int) int {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	return int(binary.BigEndian.Uint32(buf[:]) % uint32(n))
}

// run is the updater: it seeds the catalog from the --pages file when one
// is given, falls back to the most-viewed feed otherwise, and refreshes on
// a ticker. A failed refresh keeps the previous set.
func (pc *PageCatalog) run(ctx context.Context, cfg *Config, fetcher *Fetcher) {
	if cfg.pages != "" {
		titles, err := loadSeedPages(cfg.pages)
		if err != nil {
			logf(cfg, "PAGES: Failed to load seed file %s: %v", cfg.pages, err)
		} else {
			pc.populate(titles)
			logf(cfg, "PAGES: Loaded %d titles from %s", pc.size(), cfg.pages)
		}
	}

	refresh := func() {
		titles, err := fetcher.mostViewed()
		if err != nil {
			logf(cfg, "PAGES: Refresh failed: %v", err)
			return
		}
		pc.populate(titles)
		logf(cfg, "PAGES: Catalog now holds %d titles", pc.size())
	}

	if !pc.isReady() {
		refresh()
	}

	ticker := time.NewTicker(cfg.catalogRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			refresh()
		case <-ctx.Done():
			return
		}
	}
}

func loadSeedPages(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var titles []string
	if err := json.Unmarshal(data, &titles); err != nil {
		return nil, err
	}

	return titles, nil
}
