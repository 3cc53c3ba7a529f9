package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var transcriptTemplate = template.Must(template.New("transcript.html").Funcs(template.FuncMap{
	"formatTime": func(t time.Time) string {
		return t.UTC().Format("Jan 2, 2006 15:04 MST")
	},
}).ParseFS(templateFS, "templates/transcript.html"))

// TemplateData is one rendered transcript.
type TemplateData struct {
	GroupName  string
	ExportedBy string
	ExportedAt time.Time
	Restricted bool
	Members    []string
	Messages   []TemplateMessage
}

type TemplateMessage struct {
	At        time.Time
	Sender    string
	Role      string
	Type      string
	Text      string
	FileName  string
	MediaURL  string
	ReplyTo   string
	Forwarded bool
	Edited    bool
	History   []TemplateEdit
	Deleted   bool
	DeletedBy string
	Reactions []TemplateReaction
	Poll      *TemplatePoll
	IsSystem  bool
}

type TemplateEdit struct {
	At   time.Time
	Text string
}

type TemplateReaction struct {
	Emoji string
	Count int
}

type TemplatePoll struct {
	Question string
	IsQuiz   bool
	Revealed bool
	Options  []TemplatePollOption
}

type TemplatePollOption struct {
	Text    string
	Votes   int
	Correct bool
}

func RenderTranscriptHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
