// Package pdftext classifies text extracted from PDFs. It never performs
// OCR; it only judges whether someone else's extraction is usable.
package pdftext

// Page is the ordered per-page text of a document. ImageCoverage is the
// fraction of page area covered by images when the extraction service
// reports it; zero otherwise.
type Page struct {
	Page          int     `json:"page"`
	Text          string  `json:"text"`
	ImageCoverage float64 `json:"image_coverage,omitempty"`
}

// PageClass is the per-page classification.
type PageClass string

const (
	PageSearchable PageClass = "SEARCHABLE"
	PageScanned    PageClass = "SCANNED"
	PageMixed      PageClass = "MIXED"
)

// DocMode is the document-level classification.
type DocMode string

const (
	ModeSearchable DocMode = "SEARCHABLE"
	ModeScanned    DocMode = "SCANNED"
	ModeMixed      DocMode = "MIXED"
)

// Gate is the quality gate color.
type Gate string

const (
	GateRed    Gate = "RED"
	GateYellow Gate = "YELLOW"
	GateGreen  Gate = "GREEN"
)

// Locked classification thresholds.
const (
	searchableMinChars   = 50
	searchableMaxImage   = 0.70
	scannedMinImage      = 0.30
	docModeMajority      = 0.80
	redReplacementRatio  = 0.05
	redControlRatio      = 0.03
	yellowAvgChars       = 30
	yellowSparsePage     = 10
	yellowSparseMajority = 0.80
	mojibakeNonASCII     = 0.40
	mojibakeMinChars     = 20
)

// Metrics are the raw numbers behind a classification, kept for
// diagnostics.
type Metrics struct {
	Pages            int     `json:"pages"`
	SearchablePages  int     `json:"searchablePages"`
	ScannedPages     int     `json:"scannedPages"`
	EmptyPages       int     `json:"emptyPages"`
	SparsePages      int     `json:"sparsePages"`
	TotalChars       int     `json:"totalChars"`
	AvgCharsPerPage  float64 `json:"avgCharsPerPage"`
	ReplacementRatio float64 `json:"replacementRatio"`
	ControlRatio     float64 `json:"controlRatio"`
	NonASCIIRatio    float64 `json:"nonAsciiRatio"`
}

// Report is the classification of one document.
type Report struct {
	Mode    DocMode  `json:"docMode"`
	Gate    Gate     `json:"gateColor"`
	Reasons []string `json:"reasons"`
	Metrics Metrics  `json:"metrics"`
}

// ClassifyPage applies the locked per-page thresholds.
func ClassifyPage(p Page) PageClass {
	chars := len([]rune(p.Text))
	switch {
	case chars >= searchableMinChars && p.ImageCoverage <= searchableMaxImage:
		return PageSearchable
	case chars < searchableMinChars && p.ImageCoverage >= scannedMinImage:
		return PageScanned
	default:
		return PageMixed
	}
}

// Classify derives the document mode and gate color. The RED check runs
// first and short-circuits: YELLOW conditions must never mask RED.
func Classify(pages []Page) Report {
	m := computeMetrics(pages)
	mode := docMode(m)
	report := Report{Mode: mode, Metrics: m}

	switch {
	case m.ReplacementRatio > redReplacementRatio:
		report.Gate = GateRed
		report.Reasons = append(report.Reasons, "replacement_character_ratio")
	case m.ControlRatio > redControlRatio:
		report.Gate = GateRed
		report.Reasons = append(report.Reasons, "control_character_ratio")
	case mode == ModeMixed:
		report.Gate = GateYellow
		report.Reasons = append(report.Reasons, "mixed_mode")
	case m.AvgCharsPerPage < yellowAvgChars:
		report.Gate = GateYellow
		report.Reasons = append(report.Reasons, "low_average_chars")
	case m.Pages > 0 && float64(m.SparsePages)/float64(m.Pages) > yellowSparseMajority:
		report.Gate = GateYellow
		report.Reasons = append(report.Reasons, "sparse_pages")
	default:
		report.Gate = GateGreen
	}
	return report
}

func docMode(m Metrics) DocMode {
	if m.Pages == 0 {
		return ModeScanned
	}
	searchable := float64(m.SearchablePages) / float64(m.Pages)
	scanned := float64(m.ScannedPages) / float64(m.Pages)
	switch {
	case searchable >= docModeMajority:
		return ModeSearchable
	case scanned >= docModeMajority:
		return ModeScanned
	default:
		return ModeMixed
	}
}

func computeMetrics(pages []Page) Metrics {
	m := Metrics{Pages: len(pages)}
	var replacement, control, nonASCII int
	for _, p := range pages {
		runes := []rune(p.Text)
		chars := len(runes)
		m.TotalChars += chars
		if chars == 0 {
			m.EmptyPages++
		}
		if chars < yellowSparsePage {
			m.SparsePages++
		}
		switch ClassifyPage(p) {
		case PageSearchable:
			m.SearchablePages++
		case PageScanned:
			m.ScannedPages++
		}
		for _, r := range runes {
			switch {
			case r == '�':
				replacement++
			case r < 0x20 && r != '\n':
				control++
			}
			if r < 0x20 || r > 0x7E {
				nonASCII++
			}
		}
	}
	if m.Pages > 0 {
		m.AvgCharsPerPage = float64(m.TotalChars) / float64(m.Pages)
	}
	if m.TotalChars > 0 {
		m.ReplacementRatio = float64(replacement) / float64(m.TotalChars)
		m.ControlRatio = float64(control) / float64(m.TotalChars)
		m.NonASCIIRatio = float64(nonASCII) / float64(m.TotalChars)
	}
	return m
}

// IsMojibake reports garbage decoding: too many replacement characters,
// too many non-line-feed control characters, or mostly non-printable-ASCII
// text on documents long enough to judge.
func IsMojibake(m Metrics) bool {
	if m.ReplacementRatio > redReplacementRatio {
		return true
	}
	if m.ControlRatio > redControlRatio {
		return true
	}
	return m.TotalChars > mojibakeMinChars && m.NonASCIIRatio > mojibakeNonASCII
}

// IsNonSearchable reports a document with no usable text: every page empty,
// or more than 80% of pages without text.
func IsNonSearchable(m Metrics) bool {
	if m.Pages == 0 {
		return true
	}
	if m.EmptyPages == m.Pages {
		return true
	}
	return float64(m.EmptyPages)/float64(m.Pages) > yellowSparseMajority
}
