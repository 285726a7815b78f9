package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/kavos113/quickctf/ctf-manager/domain"
)

const contentType = "application/zstd"

type ObjectStore interface {
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

type EventSource interface {
	List(ctx context.Context, filter domain.EventFilter) (*domain.EventPage, error)
}

// Result describes one uploaded archive object.
type Result struct {
	Key   string    `json:"key"`
	Count int       `json:"count"`
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
	Size  int       `json:"size"`
}

// Archiver copies the event log of a time window to object storage as
// zstd-compressed NDJSON.
type Archiver struct {
	events EventSource
	store  ObjectStore
	bucket string
	logger *slog.Logger
}

func NewArchiver(events EventSource, store ObjectStore, bucket string, logger *slog.Logger) *Archiver {
	return &Archiver{events: events, store: store, bucket: bucket, logger: logger}
}

// Archive uploads every event in [since, until). Events are not removed from
// the store.
func (a *Archiver) Archive(ctx context.Context, since, until time.Time) (*Result, error) {
	if !since.Before(until) {
		return nil, fmt.Errorf("%w: archive window is empty", domain.ErrInvalidArgument)
	}

	var events []*domain.Event
	filter := domain.EventFilter{Since: since, Until: until, Limit: domain.MaxEventPageSize}
	for {
		page, err := a.events.List(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("failed to list events: %w", err)
		}
		events = append(events, page.Events...)
		filter.Offset += len(page.Events)
		if len(page.Events) == 0 || filter.Offset >= page.Total {
			break
		}
	}

	var buf bytes.Buffer
	if err := Encode(&buf, events); err != nil {
		return nil, err
	}

	key := ObjectKey(since, until)
	if err := a.store.Upload(ctx, a.bucket, key, buf.Bytes(), contentType); err != nil {
		return nil, err
	}

	a.logger.Info("events archived", "bucket", a.bucket, "key", key, "count", len(events), "size", buf.Len())
	return &Result{Key: key, Count: len(events), Since: since, Until: until, Size: buf.Len()}, nil
}

func ObjectKey(since, until time.Time) string {
	since, until = since.UTC(), until.UTC()
	return fmt.Sprintf("events/%s/%s_%s.ndjson.zst",
		since.Format("2006/01/02"),
		since.Format("20060102T150405Z"),
		until.Format("20060102T150405Z"),
	)
}

// Encode takes events newest first, as the store lists them, and writes them
// oldest first as zstd-compressed NDJSON.
func Encode(w io.Writer, events []*domain.Event) error {
	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}

	enc := json.NewEncoder(encoder)
	for i := len(events) - 1; i >= 0; i-- {
		if err := enc.Encode(events[i]); err != nil {
			encoder.Close()
			return fmt.Errorf("encode event %d: %w", events[i].ID, err)
		}
	}

	if err := encoder.Close(); err != nil {
		return fmt.Errorf("zstd close: %w", err)
	}
	return nil
}

func Decode(r io.Reader) ([]*domain.Event, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var events []*domain.Event
	scanner := bufio.NewScanner(decoder)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e domain.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return events, nil
}
