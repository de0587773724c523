package report

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/reportmail/internal/models"
)

var (
	ErrEmptyRecordSet   = errors.New("record set is empty")
	ErrUnknownTemplate  = errors.New("unknown report template")
	ErrMalformedRecord  = errors.New("malformed record")
	errTemplateNotFound = errors.New("template file missing")
)

// RenderError is returned when a record set cannot be turned into an artifact.
// The orchestrator treats it as retryable: an empty window may fill up later.
type RenderError struct {
	SpecID string
	Err    error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.SpecID, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

//go:embed templates/*.html
var templateFS embed.FS

type section struct {
	Key   string
	Label string
}

// layout describes how one template groups and labels records.
type layout struct {
	ID         string
	Sections   []section
	GroupByDay bool
	html       *template.Template
}

// Sections follow the columns of the paper forms the reports replaced.
var layouts = map[string]*layout{
	"daily": {
		ID:         "daily",
		Sections:   []section{{"conclusion", "Conclusions"}, {"plan", "Plans"}},
		GroupByDay: true,
	},
	"weekly": {
		ID:       "weekly",
		Sections: []section{{"conclusion", "Conclusions"}, {"progress", "Progress"}, {"plan", "Plans"}},
	},
}

func init() {
	for id, l := range layouts {
		tmpl, err := template.ParseFS(templateFS, "templates/"+id+".html")
		if err != nil {
			panic(fmt.Errorf("%w: %s: %v", errTemplateNotFound, id, err))
		}
		l.html = tmpl
	}
}

// KnownTemplate reports whether id names a built-in template.
func KnownTemplate(id string) bool {
	_, ok := layouts[id]
	return ok
}

// Sections lists the section keys a template accepts, in display order.
func Sections(templateID string) []string {
	l, ok := layouts[templateID]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(l.Sections))
	for _, s := range l.Sections {
		keys = append(keys, s.Key)
	}
	return keys
}

// Renderer turns record sets into artifacts. Render has no side effects and
// returns byte-identical output for identical input.
type Renderer struct {
	author string
}

// NewRenderer returns a Renderer that signs reports with author.
func NewRenderer(author string) *Renderer {
	return &Renderer{author: author}
}

type sectionView struct {
	Label string
	Items []string
}

type groupView struct {
	Label    string
	Sections []sectionView
}

// companionView is another report's records shown below the main report.
type companionView struct {
	Title         string
	Filename      string
	SectionLabels []string
	Groups        []groupView
	Count         int
}

type pageData struct {
	Subject       string
	Title         string
	Author        string
	SpecID        string
	Window        string
	SectionLabels []string
	Groups        []groupView
	Count         int
	Companions    []companionView
}

// Render builds the artifact for spec from rs. Every companion with records in
// the window adds a section group to the body and a second CSV attachment, the
// way a weekly mail carries the week's daily notes. Companions without records
// are left out.
func (r *Renderer) Render(spec models.ReportSpec, rs models.RecordSet, companions ...models.Companion) (models.Artifact, error) {
	l, ok := layouts[spec.TemplateID]
	if !ok {
		return models.Artifact{}, &RenderError{SpecID: spec.ID, Err: fmt.Errorf("%w: %q", ErrUnknownTemplate, spec.TemplateID)}
	}
	if rs.Empty() {
		return models.Artifact{}, &RenderError{SpecID: spec.ID, Err: ErrEmptyRecordSet}
	}

	records, err := prepare(l, rs)
	if err != nil {
		return models.Artifact{}, &RenderError{SpecID: spec.ID, Err: err}
	}

	subject := Subject(spec, rs.Window)
	data := pageData{
		Subject:       subject,
		Title:         spec.DisplayTitle(),
		Author:        r.author,
		SpecID:        spec.ID,
		Window:        rs.Window.String(),
		SectionLabels: labels(l),
		Groups:        group(l, records),
		Count:         len(records),
	}

	tw := recordTable(l, records)
	attachments := []models.Attachment{csvAttachment(AttachmentName(spec, rs.Window), tw)}

	for _, c := range companions {
		if c.Records.Empty() {
			continue
		}
		cl, ok := layouts[c.Spec.TemplateID]
		if !ok {
			return models.Artifact{}, &RenderError{SpecID: spec.ID, Err: fmt.Errorf("companion %s: %w: %q", c.Spec.ID, ErrUnknownTemplate, c.Spec.TemplateID)}
		}
		crecords, err := prepare(cl, c.Records)
		if err != nil {
			return models.Artifact{}, &RenderError{SpecID: spec.ID, Err: fmt.Errorf("companion %s: %w", c.Spec.ID, err)}
		}
		name := AttachmentName(c.Spec, rs.Window)
		data.Companions = append(data.Companions, companionView{
			Title:         fmt.Sprintf("%s %s Report", c.Spec.DisplayTitle(), cadenceLabel(c.Spec.Cadence)),
			Filename:      name,
			SectionLabels: labels(cl),
			Groups:        group(cl, crecords),
			Count:         len(crecords),
		})
		attachments = append(attachments, csvAttachment(name, recordTable(cl, crecords)))
	}

	var buf bytes.Buffer
	if err := l.html.Execute(&buf, data); err != nil {
		return models.Artifact{}, &RenderError{SpecID: spec.ID, Err: fmt.Errorf("failed to execute template: %w", err)}
	}

	recipients := make([]string, len(spec.Recipients))
	copy(recipients, spec.Recipients)

	return models.Artifact{
		SpecID:      spec.ID,
		Window:      rs.Window,
		Recipients:  recipients,
		Subject:     subject,
		HTMLBody:    buf.String(),
		TextBody:    textBody(data, tw),
		Attachments: attachments,
	}, nil
}

// prepare validates rs against the layout and returns its records normalised
// and in display order: by time, then section, then text.
func prepare(l *layout, rs models.RecordSet) ([]models.Record, error) {
	order := make(map[string]int, len(l.Sections))
	for i, s := range l.Sections {
		order[s.Key] = i
	}

	records := make([]models.Record, len(rs.Records))
	copy(records, rs.Records)
	for i, rec := range records {
		if err := validateRecord(rec, rs.Window, order); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		records[i].At = rec.At.UTC()
		records[i].Text = strings.TrimSpace(rec.Text)
	}
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.At.Equal(b.At) {
			return a.At.Before(b.At)
		}
		if order[a.Section] != order[b.Section] {
			return order[a.Section] < order[b.Section]
		}
		return a.Text < b.Text
	})
	return records, nil
}

func labels(l *layout) []string {
	out := make([]string, 0, len(l.Sections))
	for _, s := range l.Sections {
		out = append(out, s.Label)
	}
	return out
}

func csvAttachment(name string, tw table.Writer) models.Attachment {
	return models.Attachment{
		Filename:    name,
		ContentType: "text/csv; charset=utf-8",
		Data:        []byte(tw.RenderCSV() + "\n"),
	}
}

// Subject encodes the report window so reruns and retries stay distinguishable.
func Subject(spec models.ReportSpec, w models.Window) string {
	return fmt.Sprintf("%s %s Report (%s)", spec.DisplayTitle(), cadenceLabel(spec.Cadence), w)
}

// AttachmentName follows the <cadence>-<id>-<yyyymmdd> archive naming.
func AttachmentName(spec models.ReportSpec, w models.Window) string {
	return fmt.Sprintf("%s-%s-%s.csv", spec.Cadence, spec.ID, w.End.UTC().Format("20060102"))
}

func cadenceLabel(c models.Cadence) string {
	s := string(c)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func validateRecord(rec models.Record, w models.Window, order map[string]int) error {
	switch {
	case rec.At.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrMalformedRecord)
	case strings.TrimSpace(rec.Text) == "":
		return fmt.Errorf("%w: empty text", ErrMalformedRecord)
	case !w.Contains(rec.At):
		return fmt.Errorf("%w: %s outside window", ErrMalformedRecord, rec.At.UTC().Format("2006-01-02 15:04"))
	}
	if _, ok := order[rec.Section]; !ok {
		return fmt.Errorf("%w: section %q not in template", ErrMalformedRecord, rec.Section)
	}
	return nil
}

func group(l *layout, records []models.Record) []groupView {
	var groups []groupView
	index := make(map[string]int)

	for _, rec := range records {
		label := ""
		if l.GroupByDay {
			label = rec.At.Format("Mon 2006-01-02")
		}
		gi, ok := index[label]
		if !ok {
			g := groupView{Label: label}
			for _, s := range l.Sections {
				g.Sections = append(g.Sections, sectionView{Label: s.Label})
			}
			groups = append(groups, g)
			gi = len(groups) - 1
			index[label] = gi
		}
		for si, s := range l.Sections {
			if s.Key == rec.Section {
				groups[gi].Sections[si].Items = append(groups[gi].Sections[si].Items, rec.Text)
			}
		}
	}
	return groups
}

func recordTable(l *layout, records []models.Record) table.Writer {
	labels := make(map[string]string, len(l.Sections))
	for _, s := range l.Sections {
		labels[s.Key] = s.Label
	}

	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Time", "Section", "Text"})
	for _, rec := range records {
		tw.AppendRow(table.Row{rec.At.Format("2006-01-02 15:04"), labels[rec.Section], rec.Text})
	}
	return tw
}

func textBody(data pageData, tw table.Writer) string {
	var b strings.Builder
	b.WriteString(data.Subject)
	b.WriteString("\n")
	if data.Author != "" {
		b.WriteString(data.Author)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(tw.Render())
	b.WriteString("\n")
	for _, c := range data.Companions {
		fmt.Fprintf(&b, "\n%s: %d entries in %s\n", c.Title, c.Count, c.Filename)
	}
	return b.String()
}
