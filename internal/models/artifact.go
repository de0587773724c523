package models

// Attachment is a file carried alongside the report mail.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Artifact is a rendered, ready-to-send report. Treat it as immutable once built.
type Artifact struct {
	SpecID     string
	Window     Window
	Recipients []string
	Subject    string
	HTMLBody   string
	TextBody   string
	// Attachments holds the report's own CSV first, then one per companion.
	Attachments []Attachment
}

// Companion is another report's records carried in the same mail, such as the
// daily notes attached to a weekly report.
type Companion struct {
	Spec    ReportSpec
	Records RecordSet
}
