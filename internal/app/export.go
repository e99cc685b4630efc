package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	chart "github.com/wcharczuk/go-chart/v2"

	"otc-settlement/internal/storage"
)

const (
	kindAlert   = "alert"
	kindFlagged = "flagged"
)

// timelineRow is one alert firing or flagged settlement.
type timelineRow struct {
	At     time.Time
	Kind   string
	Ref    string
	Detail string
}

// Export renders alert events and flagged settlements as CSV and/or a PNG timeline.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := a.now()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Monitor.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	rows, err := loadTimeline(ctx, store, from, to)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no events found for export window")
		return nil
	}
	a.Logger.Info().Int("rows", len(rows)).Time("from", from).Time("to", to).Msg("exporting settlement timeline")

	if opts.CSVPath != "" {
		if err := writeTimelineCSV(opts.CSVPath, rows); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		buckets := bucketTimeline(rows, from, to, a.Config.Monitor.Interval, opts.MaxPoints)
		if err := writeTimelinePNG(opts.PNGPath, buckets); err != nil {
			return err
		}
	}

	return nil
}

type timelineSource interface {
	storage.AlertEventStore
	storage.AlertRuleStore
	storage.SettlementStore
}

func loadTimeline(ctx context.Context, store timelineSource, from, to time.Time) ([]timelineRow, error) {
	events, err := store.ListAlertEventsBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	flagged, err := store.ListFlaggedEventsBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}

	names := make(map[uuid.UUID]string)
	rows := make([]timelineRow, 0, len(events)+len(flagged))
	for _, ev := range events {
		name, ok := names[ev.RuleID]
		if !ok {
			rule, err := store.GetAlertRule(ctx, ev.RuleID)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				name = ev.RuleID.String()
			case err != nil:
				return nil, err
			default:
				name = rule.Name
			}
			names[ev.RuleID] = name
		}
		rows = append(rows, timelineRow{
			At:     ev.CreatedAt.UTC(),
			Kind:   kindAlert,
			Ref:    name,
			Detail: sanitizeInline(formatContext(ev.Details)),
		})
	}
	for _, ev := range flagged {
		rows = append(rows, timelineRow{
			At:     ev.CreatedAt.UTC(),
			Kind:   kindFlagged,
			Ref:    ev.FillID.String(),
			Detail: ev.Reason,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].At.Before(rows[j].At) })
	return rows, nil
}

func writeTimelineCSV(path string, rows []timelineRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"ts", "kind", "ref", "detail"}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writer.Write([]string{row.At.Format(time.RFC3339), row.Kind, row.Ref, row.Detail}); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// timelineBuckets counts rows per fixed-width bucket.
type timelineBuckets struct {
	Starts  []time.Time
	Alerts  []float64
	Flagged []float64
}

// bucketTimeline splits [from, to) into buckets of width step, widened so there
// are at most maxPoints of them, and never fewer than two so the chart has a range.
func bucketTimeline(rows []timelineRow, from, to time.Time, step time.Duration, maxPoints int) timelineBuckets {
	span := to.Sub(from)
	if step <= 0 {
		step = time.Minute
	}
	if maxPoints < 2 {
		maxPoints = 2
	}
	n := int((span + step - 1) / step)
	if n > maxPoints {
		step = (span + time.Duration(maxPoints) - 1) / time.Duration(maxPoints)
		n = int((span + step - 1) / step)
	}
	if n < 2 {
		n = 2
	}

	b := timelineBuckets{
		Starts:  make([]time.Time, n),
		Alerts:  make([]float64, n),
		Flagged: make([]float64, n),
	}
	for i := range b.Starts {
		b.Starts[i] = from.Add(time.Duration(i) * step)
	}
	for _, row := range rows {
		idx := int(row.At.Sub(from) / step)
		if idx < 0 || idx >= n {
			continue
		}
		switch row.Kind {
		case kindAlert:
			b.Alerts[idx]++
		case kindFlagged:
			b.Flagged[idx]++
		}
	}
	return b
}

func writeTimelinePNG(path string, b timelineBuckets) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	countFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Events per bucket",
			ValueFormatter: countFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Alerts",
				XValues: b.Starts,
				YValues: b.Alerts,
			},
			chart.TimeSeries{
				Name:    "Flagged settlements",
				XValues: b.Starts,
				YValues: b.Flagged,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
