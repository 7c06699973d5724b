// trace reconstruction queries over the span table
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/andrewh/beacon/pkg/export/console"
)

// TraceSummary describes one stored trace for listings.
type TraceSummary struct {
	TraceID  string
	RootName string
	Spans    int
	Start    time.Time
	Duration time.Duration
}

const selectTrace = `
SELECT trace_id, span_id, parent_id, name, kind,
	start_unix_ns, end_unix_ns, status_code, status_desc,
	attributes, events
FROM spans
WHERE trace_id = ?
ORDER BY start_unix_ns, end_unix_ns, span_id`

// QueryTrace returns every span of one trace as console records, ordered by
// start time. The id must be 32 lowercase hex characters. A trace with no
// stored spans yields an empty slice, not an error.
func (a *Archive) QueryTrace(ctx context.Context, traceID string) ([]console.Record, error) {
	if _, err := oteltrace.TraceIDFromHex(traceID); err != nil {
		return nil, fmt.Errorf("invalid trace id %q: %w", traceID, err)
	}

	rows, err := a.db.QueryContext(ctx, selectTrace, traceID)
	if err != nil {
		return nil, fmt.Errorf("querying trace %s: %w", traceID, err)
	}
	defer rows.Close()

	var recs []console.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading trace %s: %w", traceID, err)
	}
	return recs, nil
}

func scanRecord(rows *sql.Rows) (console.Record, error) {
	var (
		rec              console.Record
		startNS, endNS   int64
		attrsJS, eventJS string
	)
	err := rows.Scan(&rec.TraceID, &rec.ID, &rec.ParentID, &rec.Name, &rec.Kind,
		&startNS, &endNS, &rec.Status.Code, &rec.Status.Description,
		&attrsJS, &eventJS)
	if err != nil {
		return console.Record{}, fmt.Errorf("scanning span row: %w", err)
	}
	rec.Timestamp = startNS / int64(time.Microsecond)
	rec.Duration = (endNS - startNS) / int64(time.Microsecond)
	if err := json.Unmarshal([]byte(attrsJS), &rec.Attributes); err != nil {
		return console.Record{}, fmt.Errorf("decoding attributes for span %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(eventJS), &rec.Events); err != nil {
		return console.Record{}, fmt.Errorf("decoding events for span %s: %w", rec.ID, err)
	}
	return rec, nil
}

const selectTraces = `
SELECT trace_id, COUNT(*), MIN(start_unix_ns), MAX(end_unix_ns)
FROM spans
GROUP BY trace_id
ORDER BY MIN(start_unix_ns) DESC
LIMIT ?`

// The root span leads; remote-parented traces fall back to the earliest
// span, the longest-running one on a start tie.
const selectRootName = `
SELECT name FROM spans
WHERE trace_id = ?
ORDER BY (parent_id = '') DESC, start_unix_ns ASC, end_unix_ns DESC
LIMIT 1`

// Traces lists the most recently started traces, newest first.
func (a *Archive) Traces(ctx context.Context, limit int) ([]TraceSummary, error) {
	rows, err := a.db.QueryContext(ctx, selectTraces, limit)
	if err != nil {
		return nil, fmt.Errorf("listing traces: %w", err)
	}
	defer rows.Close()

	var out []TraceSummary
	for rows.Next() {
		var (
			ts             TraceSummary
			startNS, endNS int64
		)
		if err := rows.Scan(&ts.TraceID, &ts.Spans, &startNS, &endNS); err != nil {
			return nil, fmt.Errorf("scanning trace summary: %w", err)
		}
		ts.Start = time.Unix(0, startNS).UTC()
		ts.Duration = time.Duration(endNS - startNS)
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing traces: %w", err)
	}

	for i := range out {
		err := a.db.QueryRowContext(ctx, selectRootName, out[i].TraceID).Scan(&out[i].RootName)
		if err != nil {
			return nil, fmt.Errorf("resolving root of trace %s: %w", out[i].TraceID, err)
		}
	}
	return out, nil
}
