package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"fotopipe/internal/entity"
	"fotopipe/internal/event"
	"fotopipe/internal/recovery"
	"fotopipe/internal/session"
	"fotopipe/internal/status"
	"fotopipe/internal/storage"
)

// userAgents and acceptLanguages are grounded on
// original_source/services/download/config.py's USER_AGENTS/ACCEPT_LANGUAGES
// tuples: a fixed slice indexed deterministically per host, rather than a
// stateful RNG, so retries of the same host present consistent headers.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
}

var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"cs-CZ,cs;q=0.9,en;q=0.8",
	"en-GB,en;q=0.9",
}

// retryableStatusCodes is spec.md §4.5.2's {403, 429, 525, 526, 530} — a
// response in this set triggers one escalation to a proxy-fronted request
// before counting as a transport failure.
var retryableStatusCodes = map[int]struct{}{403: {}, 429: {}, 525: {}, 526: {}, 530: {}}

// DownloadService implements spec.md §4.5.2: download every pending image of
// an order with bounded concurrency, upload each to storage, and settle the
// order's final status.
type DownloadService struct {
	db          *sqlx.DB
	repo        *entity.Repository
	storage     *storage.R2Client
	dispatcher  *event.Dispatcher
	httpClient  *http.Client
	proxyURL    string // empty disables proxy fallback
	concurrency int
	logger      *slog.Logger
}

func NewDownloadService(db *sqlx.DB, storageClient *storage.R2Client, dispatcher *event.Dispatcher, proxyURL string, concurrency int, logger *slog.Logger) *DownloadService {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &DownloadService{
		db:          db,
		repo:        entity.NewRepository(db),
		storage:     storageClient,
		dispatcher:  dispatcher,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		proxyURL:    proxyURL,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run implements the full download step for one order: set Downloading,
// fan out bounded-concurrency downloads of every image with a nil file_ref,
// then settle the order's final status from the aggregate result.
func (d *DownloadService) Run(ctx context.Context, orderID string) error {
	l := d.logger.With("order_id", orderID)

	if err := d.setOrderStatus(ctx, orderID, string(status.OrderDownloading)); err != nil {
		return fmt.Errorf("download: mark downloading: %w", err)
	}

	images, err := d.repo.ListImagesMissingFileRef(ctx, orderID)
	if err != nil {
		return fmt.Errorf("download: list pending images: %w", err)
	}

	lineItemCache := map[int64]entity.LineItem{}
	g, gCtx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, d.concurrency)
	var mu sync.Mutex
	var anyFailed bool

	for _, img := range images {
		img := img
		li, ok := lineItemCache[img.LineItemID]
		if !ok {
			items, err := d.repo.ListLineItemsByOrder(ctx, orderID)
			if err != nil {
				return fmt.Errorf("download: load line items: %w", err)
			}
			for _, it := range items {
				lineItemCache[it.ID] = it
			}
			li = lineItemCache[img.LineItemID]
		}

		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gCtx.Done():
				return gCtx.Err()
			}
			defer func() { <-sem }()

			if err := d.downloadOne(gCtx, orderID, li, img); err != nil {
				l.Error("download: image failed", "image_id", img.ID, "error", err)
				mu.Lock()
				anyFailed = true
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("download: fan-out: %w", err)
	}

	if anyFailed {
		return d.setOrderStatus(ctx, orderID, string(status.OrderError))
	}
	return d.setOrderStatus(ctx, orderID, string(status.OrderReadyForReview))
}

// downloadOne fetches one image's bytes (retrying transport errors and the
// retryable status-code set with a proxy-fronted escalation) and uploads the
// result to storage, recording file_ref/uploaded_at in its own short
// transaction.
func (d *DownloadService) downloadOne(ctx context.Context, orderID string, li entity.LineItem, img entity.Image) error {
	data, contentType, err := d.fetchWithRetry(ctx, img.OriginalURL)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", img.OriginalURL, err)
	}

	key := entity.OriginalImageKey(orderID, li, img, img.OriginalURL)
	ref, err := d.storage.PutObjectRef(ctx, key, data, contentType, key)
	if err != nil {
		return fmt.Errorf("upload to storage: %w", err)
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE images SET file_ref = $1, uploaded_at = now() WHERE id = $2`,
		ref, img.ID,
	); err != nil {
		return fmt.Errorf("record file_ref: %w", err)
	}

	sess := session.New(tx, d.dispatcher)
	sess.SetMercureContext(map[string]any{"order_id": orderID, "image_id": img.ID})
	if err := sess.MarkChanged(event.ImageFileRef); err != nil {
		return err
	}
	return sess.Commit(ctx)
}

// fetchWithRetry implements the transport-retry and proxy-fallback rules:
// 3 attempts, 1-10s exponential, and a retryable status code (§4.5.2's
// {403,429,525,526,530}) escalates once through the proxy before counting as
// a transport failure.
func (d *DownloadService) fetchWithRetry(ctx context.Context, sourceURL string) ([]byte, string, error) {
	triedProxy := false

	op := func() (fetchResult, error) {
		client := d.httpClient
		useProxy := false
		if triedProxy && d.proxyURL != "" {
			useProxy = true
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
		if err != nil {
			return fetchResult{}, backoff.Permanent(err)
		}
		d.setHeaders(req)

		if useProxy {
			proxied, perr := d.proxiedClient()
			if perr == nil {
				client = proxied
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return fetchResult{}, err // transport error: retryable
		}
		defer resp.Body.Close()

		if _, retryable := retryableStatusCodes[resp.StatusCode]; retryable {
			triedProxy = true
			return fetchResult{}, fmt.Errorf("download: retryable status %d from %s", resp.StatusCode, sourceURL)
		}
		if resp.StatusCode >= 400 {
			return fetchResult{}, backoff.Permanent(fmt.Errorf("download: status %d from %s", resp.StatusCode, sourceURL))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fetchResult{}, err
		}
		return fetchResult{data: body, contentType: resp.Header.Get("Content-Type")}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second
	result, err := backoff.Retry(ctx, op,
		backoff.WithMaxTries(3),
		backoff.WithBackOff(b),
	)
	if err != nil {
		return nil, "", err
	}
	return result.data, result.contentType, nil
}

type fetchResult struct {
	data        []byte
	contentType string
}

// setHeaders picks a deterministic per-host User-Agent/Accept-Language pair
// via FNV-1a hashing of the hostname, the Go rendition of the source's
// consistent-per-host header selection.
func (d *DownloadService) setHeaders(req *http.Request) {
	host := req.URL.Hostname()
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	idx := h.Sum32()

	req.Header.Set("User-Agent", userAgents[int(idx)%len(userAgents)])
	req.Header.Set("Accept-Language", acceptLanguages[int(idx)%len(acceptLanguages)])
}

func (d *DownloadService) proxiedClient() (*http.Client, error) {
	proxyURL, err := url.Parse(d.proxyURL)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}, nil
}

func (d *DownloadService) setOrderStatus(ctx context.Context, orderID, newStatus string) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	sess := session.New(tx, d.dispatcher)
	sess.SetMercureContext(map[string]any{"order_id": orderID})

	if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = $1, updated_at = now() WHERE id = $2`, newStatus, orderID); err != nil {
		return err
	}
	if err := sess.MarkChanged(event.OrderStatus); err != nil {
		return err
	}
	sess.MarkOrderListDirty(orderID)
	return sess.Commit(ctx)
}

// GetIncompleteDownloads finds orders stuck in Downloading, the C8 recovery
// finder for the "download" actor.
func GetIncompleteDownloads(ctx context.Context, db *sqlx.DB) ([]recovery.Item, error) {
	var orders []entity.Order
	const q = `SELECT * FROM orders WHERE status = $1`
	if err := db.SelectContext(ctx, &orders, q, string(status.OrderDownloading)); err != nil {
		return nil, fmt.Errorf("download: find incomplete: %w", err)
	}
	items := make([]recovery.Item, 0, len(orders))
	for _, o := range orders {
		items = append(items, recovery.Item{OrderID: o.ID})
	}
	return items, nil
}

func init() {
	recovery.Register("download", GetIncompleteDownloads)
}
