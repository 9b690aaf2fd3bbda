// Package web renders the chat page.
package web

import (
	"embed"
	"html/template"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"

	"taxresearch/internal/models"
)

// PageTemplate is the template name registered on the gin engine.
const PageTemplate = "chat.tmpl"

// DefaultCSRFField is the hidden form field carrying the CSRF token.
const DefaultCSRFField = "csrf_token"

const userSender = "You"

//go:embed templates/*.tmpl
var templateFS embed.FS

var pageTemplates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// answers from the model are HTML; keep formatting, drop scripts and handlers
var botPolicy = bluemonday.UGCPolicy()

// Bubble is one rendered chat message.
type Bubble struct {
	User      bool
	Sender    string
	Text      string        // user content, escaped by the template
	HTML      template.HTML // sanitised bot content
	Timestamp string        // server-side rendering, replaced in the browser
	Time      string        // RFC 3339 instant for the browser's locale
}

// Page is the data behind the chat template.
type Page struct {
	Title     string
	CSRFField string
	CSRFToken string
	Bubbles   []Bubble
}

// Register installs the embedded templates on the router.
func Register(router *gin.Engine) {
	router.SetHTMLTemplate(pageTemplates)
}

// NewPage builds the page for a transcript.
func NewPage(title, csrfToken string, messages []*models.Message) Page {
	page := Page{Title: title, CSRFField: DefaultCSRFField, CSRFToken: csrfToken, Bubbles: make([]Bubble, 0, len(messages))}
	for _, msg := range messages {
		page.Bubbles = append(page.Bubbles, NewBubble(title, msg))
	}
	return page
}

// NewBubble picks the bubble variant for the message role.
func NewBubble(title string, msg *models.Message) Bubble {
	if msg.Role == models.RoleUser {
		return Bubble{
			User:      true,
			Sender:    userSender,
			Text:      msg.Content,
			Timestamp: msg.Timestamp(),
			Time:      msg.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return Bubble{
		Sender:    title,
		HTML:      Sanitize(msg.Content),
		Timestamp: msg.Timestamp(),
		Time:      msg.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Sanitize makes model HTML safe to embed in the page.
func Sanitize(content string) template.HTML {
	return template.HTML(botPolicy.Sanitize(content))
}

// render writes the page without going through gin.
func render(w io.Writer, page Page) error {
	return pageTemplates.ExecuteTemplate(w, PageTemplate, page)
}
