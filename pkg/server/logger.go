package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mikeboe/deep-research/pkg/database"
)

// DBLogHandler is a slog.Handler that writes the records of one job to the
// research_logs table and mirrors them to next, when set.
type DBLogHandler struct {
	Sink  LogSink
	JobID uuid.UUID
	// Level is the minimum level persisted. Debug records are only mirrored.
	Level slog.Leveler

	next   slog.Handler
	attrs  []slog.Attr
	prefix string
}

func NewDBLogHandler(sink LogSink, jobID uuid.UUID, next slog.Handler) *DBLogHandler {
	if next != nil {
		next = next.WithAttrs([]slog.Attr{slog.String("job_id", jobID.String())})
	}
	return &DBLogHandler{
		Sink:  sink,
		JobID: jobID,
		Level: slog.LevelInfo,
		next:  next,
	}
}

func (h *DBLogHandler) persists(level slog.Level) bool {
	return level >= h.Level.Level()
}

func (h *DBLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.persists(level) {
		return true
	}
	return h.next != nil && h.next.Enabled(ctx, level)
}

func (h *DBLogHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	if h.persists(r.Level) {
		attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
		for _, a := range h.attrs {
			addAttr(attrs, "", a)
		}
		r.Attrs(func(a slog.Attr) bool {
			addAttr(attrs, h.prefix, a)
			return true
		})

		metaJSON, err := json.Marshal(attrs)
		if err != nil {
			metaJSON = []byte("{}")
		}

		// The job outlives the request that started it, so the insert does not
		// inherit ctx.
		err = h.Sink.InsertLog(context.Background(), database.LogEntry{
			JobID:     h.JobID,
			Timestamp: r.Time,
			Level:     r.Level.String(),
			Message:   r.Message,
			Metadata:  metaJSON,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to persist log: %w", err))
		}
	}
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		errs = append(errs, h.next.Handle(ctx, r))
	}
	return errors.Join(errs...)
}

func (h *DBLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		c.attrs = append(c.attrs, a)
	}
	if h.next != nil {
		c.next = h.next.WithAttrs(attrs)
	}
	return c
}

func (h *DBLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.prefix = h.prefix + name + "."
	if h.next != nil {
		c.next = h.next.WithGroup(name)
	}
	return c
}

func (h *DBLogHandler) clone() *DBLogHandler {
	c := *h
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	return &c
}

// addAttr flattens groups into dotted keys and turns values that do not
// marshal well into strings.
func addAttr(out map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, g := range v.Group() {
			addAttr(out, p, g)
		}
		return
	}
	if a.Key == "" {
		return
	}
	switch x := v.Any().(type) {
	case error:
		out[prefix+a.Key] = x.Error()
	case time.Duration:
		out[prefix+a.Key] = x.String()
	case fmt.Stringer:
		out[prefix+a.Key] = x.String()
	default:
		out[prefix+a.Key] = x
	}
}
