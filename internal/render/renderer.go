package render

import (
	"fmt"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/row"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/core"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"go.uber.org/zap"

	"invoice-agent/internal/clock"
	"invoice-agent/internal/domain"
	"invoice-agent/internal/logging"
	"invoice-agent/internal/metrics"
)

const ContentTypePDF = "application/pdf"

// Document is a rendered file.
type Document struct {
	Bytes       []byte
	ContentType string
}

type Options struct {
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Renderer draws invoices as PDF. It holds no per-render state and is safe
// for concurrent use.
type Renderer struct {
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(opts Options) *Renderer {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	return &Renderer{clock: opts.Clock, log: logging.OrNop(opts.Logger), metrics: opts.Metrics}
}

// Render draws inv styled for its owner's subscription.
func (r *Renderer) Render(inv domain.Invoice, sub domain.Subscription) (Document, error) {
	start := time.Now()
	now := r.clock.Now()

	layout, err := BuildLayout(inv, sub, now)
	if err != nil {
		r.metrics.Render(metrics.OutcomeError, time.Since(start).Seconds())
		return Document{}, err
	}

	b, err := draw(layout, now)
	if err != nil {
		r.metrics.Render(metrics.OutcomeError, time.Since(start).Seconds())
		r.log.Error("pdf generation failed", zap.String("invoice_id", inv.ID), zap.Error(err))
		return Document{}, fmt.Errorf("render: generate pdf: %w", err)
	}
	r.metrics.Render(metrics.OutcomeOK, time.Since(start).Seconds())
	return Document{Bytes: b, ContentType: ContentTypePDF}, nil
}

// ink returns size-9 text in c.
func ink(c props.Color, style fontstyle.Type, a align.Type) props.Text {
	return props.Text{Size: 9, Style: style, Align: a, Color: &c}
}

func draw(l Layout, createdAt time.Time) ([]byte, error) {
	cfg := config.NewBuilder().
		WithCreationDate(createdAt).
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()
	m := maroto.New(cfg)

	for _, section := range l.Sections {
		switch section {
		case SectionHeader:
			m.AddRows(header(l)...)
		case SectionSender:
			m.AddRows(sender(l)...)
		case SectionBillTo:
			m.AddRows(billTo(l)...)
		case SectionItems:
			m.AddRows(items(l)...)
		case SectionTotals:
			m.AddRows(totals(l)...)
		case SectionNotes:
			m.AddRows(notes(l)...)
		}
	}
	if l.Footer != "" {
		muted := l.Palette.TextLight
		m.AddRow(10, text.NewCol(12, l.Footer, props.Text{Size: 7, Top: 4, Align: align.Center, Color: &muted}))
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}

func header(l Layout) []core.Row {
	primary := l.Palette.Primary
	rows := []core.Row{
		newRow(14,
			text.NewCol(8, l.Title, props.Text{Size: 20, Style: fontstyle.Bold, Color: &primary}),
			text.NewCol(4, "INVOICE # "+l.Number, props.Text{Size: 10, Style: fontstyle.Bold, Align: align.Right, Top: 3}),
		),
	}
	for _, p := range l.Meta {
		rows = append(rows, newRow(6,
			text.NewCol(3, p.Label, ink(l.Palette.Text, fontstyle.Bold, align.Left)),
			text.NewCol(9, p.Value, ink(l.Palette.Text, fontstyle.Normal, align.Left)),
		))
	}
	return rows
}

func sender(l Layout) []core.Row {
	var rows []core.Row
	for _, line := range l.Sender {
		rows = append(rows, newRow(5, text.NewCol(12, line, ink(l.Palette.TextLight, fontstyle.Normal, align.Left))))
	}
	return rows
}

func billTo(l Layout) []core.Row {
	rows := []core.Row{newRow(10, text.NewCol(12, "Bill to", props.Text{Size: 10, Style: fontstyle.Bold, Top: 4}))}
	for _, line := range l.BillTo {
		rows = append(rows, newRow(5, text.NewCol(12, line, ink(l.Palette.Text, fontstyle.Normal, align.Left))))
	}
	return rows
}

func items(l Layout) []core.Row {
	c := l.Columns
	fill, white := l.Palette.HeaderFill, props.WhiteColor
	head := props.Text{Size: 9, Style: fontstyle.Bold, Top: 2, Color: &white}
	headRight := head
	headRight.Align = align.Right
	rows := []core.Row{newRow(8,
		text.NewCol(6, c[0], head),
		text.NewCol(2, c[1], headRight),
		text.NewCol(2, c[2], headRight),
		text.NewCol(2, c[3], headRight),
	).WithStyle(&props.Cell{BackgroundColor: &fill})}

	alternate := l.Palette.AlternateRow
	for i, it := range l.Items {
		r := newRow(7,
			text.NewCol(6, it[0], ink(l.Palette.Text, fontstyle.Normal, align.Left)),
			text.NewCol(2, it[1], ink(l.Palette.Text, fontstyle.Normal, align.Right)),
			text.NewCol(2, it[2], ink(l.Palette.Text, fontstyle.Normal, align.Right)),
			text.NewCol(2, it[3], ink(l.Palette.Text, fontstyle.Normal, align.Right)),
		)
		if i%2 == 1 {
			r = r.WithStyle(&props.Cell{BackgroundColor: &alternate})
		}
		rows = append(rows, r)
	}
	return rows
}

func totals(l Layout) []core.Row {
	rows := []core.Row{newRow(4, col.New(12))}
	for i, p := range l.Totals {
		label := ink(l.Palette.Text, fontstyle.Normal, align.Left)
		value := ink(l.Palette.Text, fontstyle.Normal, align.Right)
		if i == len(l.Totals)-1 {
			label = ink(l.Palette.Primary, fontstyle.Bold, align.Left)
			value = ink(l.Palette.Primary, fontstyle.Bold, align.Right)
		}
		rows = append(rows, newRow(6,
			col.New(7),
			text.NewCol(3, p.Label, label),
			text.NewCol(2, p.Value, value),
		))
	}
	return rows
}

func notes(l Layout) []core.Row {
	return []core.Row{
		newRow(10, text.NewCol(12, "Notes", props.Text{Size: 10, Style: fontstyle.Bold, Top: 4})),
		newRow(12, text.NewCol(12, l.Notes, ink(l.Palette.Text, fontstyle.Normal, align.Left))),
	}
}

func newRow(height float64, cols ...core.Col) core.Row {
	return row.New(height).Add(cols...)
}
