package ingest

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/filingwatch/filingwatch/feed"
	"github.com/filingwatch/filingwatch/queue"
)

// Feed URL shapes of the EDGAR archive.
const (
	DefaultGlobalFeedURL = "https://www.sec.gov/cgi-bin/browse-edgar?action=getcurrent&type=&company=&dateb=&owner=include&count=40&output=atom"
	companyFeedURLFormat = "https://www.sec.gov/cgi-bin/browse-edgar?action=getcompany&CIK=%s&type=&dateb=&owner=include&count=40&output=atom"
)

// CompanyFeedURL returns the company-scoped feed URL of |cik|.
func CompanyFeedURL(cik string) string {
	return fmt.Sprintf(companyFeedURLFormat, cik)
}

// FetchFunc fetches one batch of feed entries.
type FetchFunc func(ctx context.Context) ([]feed.Entry, error)

// Poller periodically fetches a feed and enqueues a DownloadTask per entry
// not seen before. It is the producer side of the download backpressure gate:
// when the download queue backs up, the poller pauses before its next fetch
// rather than letting the backlog grow unbounded.
type Poller struct {
	name     string
	fetch    FetchFunc
	seen     SeenSet
	queue    queue.Queue[DownloadTask]
	gate     *queue.Backpressure
	interval time.Duration
}

// NewPoller builds a Poller named |name| polling every |interval|.
func NewPoller(
	name string,
	fetch FetchFunc,
	seen SeenSet,
	q queue.Queue[DownloadTask],
	gate *queue.Backpressure,
	interval time.Duration,
) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		name:     name,
		fetch:    fetch,
		seen:     seen,
		queue:    q,
		gate:     gate,
		interval: interval,
	}
}

// NewGlobalPoller polls the global archive feed.
func NewGlobalPoller(client *feed.Client, url string, seen SeenSet, q queue.Queue[DownloadTask], gate *queue.Backpressure, interval time.Duration) *Poller {
	if url == "" {
		url = DefaultGlobalFeedURL
	}
	return NewPoller("global", func(ctx context.Context) ([]feed.Entry, error) {
		return client.FetchGlobal(ctx, url)
	}, seen, q, gate, interval)
}

// NewCompanyPoller polls the company-scoped feed of |cik|.
func NewCompanyPoller(client *feed.Client, cik string, seen SeenSet, q queue.Queue[DownloadTask], gate *queue.Backpressure, interval time.Duration) *Poller {
	var url = CompanyFeedURL(cik)
	return NewPoller("company:"+cik, func(ctx context.Context) ([]feed.Entry, error) {
		return client.FetchCompany(ctx, url)
	}, seen, q, gate, interval)
}

// Run polls until |ctx| is cancelled. Fetch failures are logged and retried
// on a shortened interval rather than terminating the loop.
func (p *Poller) Run(ctx context.Context) error {
	log.WithFields(log.Fields{"poller": p.name, "interval": p.interval}).
		Info("feed poller started")

	for {
		var sleep = p.interval
		if err := p.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			pollsCounter.WithLabelValues(p.name, "error").Inc()
			log.WithFields(log.Fields{"poller": p.name, "error": err}).
				Warn("feed poll failed")
			if sleep > 5*time.Second {
				sleep = 5 * time.Second
			}
		} else {
			pollsCounter.WithLabelValues(p.name, "ok").Inc()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) error {
	if err := p.gate.WaitIfNeeded(ctx); err != nil {
		return fmt.Errorf("waiting on download backlog: %w", err)
	}
	var started = time.Now()
	entries, err := p.fetch(ctx)
	fetchDuration.WithLabelValues(p.name).Observe(time.Since(started).Seconds())
	if err != nil {
		return err
	}

	var enqueued int
	for _, entry := range entries {
		first, err := p.seen.FirstSeen(ctx, entry.AccessionNumber)
		if err != nil {
			return err
		}
		if !first {
			entriesCounter.WithLabelValues(p.name, "duplicate").Inc()
			continue
		}
		pushed, err := p.queue.Push(ctx, NewDownloadTask(entry))
		if err != nil {
			return fmt.Errorf("enqueueing %s: %w", entry.AccessionNumber, err)
		}
		if pushed {
			enqueued++
			entriesCounter.WithLabelValues(p.name, "enqueued").Inc()
		} else {
			entriesCounter.WithLabelValues(p.name, "deduped").Inc()
		}
	}
	if enqueued != 0 {
		log.WithFields(log.Fields{
			"poller": p.name, "entries": len(entries), "enqueued": enqueued,
		}).Info("enqueued new filings")
	}
	return nil
}
