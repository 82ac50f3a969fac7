package reports

import "strings"

// Report types produced by the platform.
const (
	TypeMorning = "morning"
	TypeEvening = "evening"
	TypeWeekly  = "weekly"
	TypeMonthly = "monthly"
)

// Title returns the headline for a report type.
func Title(reportType string) string {
	switch reportType {
	case TypeMorning:
		return "🌅 Morning report"
	case TypeEvening:
		return "🌆 Evening report"
	case TypeWeekly:
		return "📊 Weekly report"
	case TypeMonthly:
		return "📊 Monthly report"
	default:
		return "📊 Report"
	}
}

func closing(reportType string) string {
	switch reportType {
	case TypeMorning:
		return "\nHave a good day!"
	case TypeEvening:
		return "\nHave a good evening!"
	default:
		return ""
	}
}

// Block is one producer's contribution to a combined report.
type Block struct {
	Label string
	Text  string
}

// Compose builds the outbound report text: bold title, the content blocks
// (each prefixed with its section label when more than one is present), an
// optional extra section, and a per-type closing line. Empty when there is
// nothing to say.
func Compose(reportType string, blocks []Block, extra string) string {
	if len(blocks) == 0 && extra == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(Title(reportType))
	b.WriteString("</b>")

	switch len(blocks) {
	case 0:
		b.WriteString("\n")
	case 1:
		b.WriteString("\n\n")
		b.WriteString(blocks[0].Text)
	default:
		for _, blk := range blocks {
			b.WriteString("\n\n── <b>")
			b.WriteString(blk.Label)
			b.WriteString("</b> ──\n")
			b.WriteString(blk.Text)
		}
	}

	if extra != "" {
		b.WriteString("\n\n")
		b.WriteString(extra)
	}
	b.WriteString(closing(reportType))
	return b.String()
}
