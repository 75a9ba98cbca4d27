// Package emailtemplate turns raw sequence step content into sendable email.
//
// Rendering is pure: the same template and context always produce the same
// output, which keeps scheduler retries safe.
package emailtemplate

import (
	"html"
	"regexp"
	"strings"
)

// URL keys available to templates as {{key}} placeholders.
const (
	URLDashboard    = "dashboardUrl"
	URLCourses      = "coursesUrl"
	URLCommunity    = "communityUrl"
	URLCertificates = "certificatesUrl"
	URLProfile      = "profileUrl"
	URLUnsubscribe  = "unsubscribeUrl"
)

const defaultFirstName = "there"

// Context carries the values substituted into a template.
type Context struct {
	FirstName string
	LastName  string
	Email     string
	URLs      map[string]string
}

// Rendered is the output of Render.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z][A-Za-z0-9_]*)\s*\}\}`)
	testPrefixRe  = regexp.MustCompile(`(?i)^\s*\[test\]\s*`)
	boldRe        = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe      = regexp.MustCompile(`\*([^*\n]+?)\*`)
	paragraphRe   = regexp.MustCompile(`\n[ \t]*\n+`)
)

// DefaultURLs builds the fixed link set from the application base URL.
func DefaultURLs(baseURL string) map[string]string {
	base := strings.TrimRight(baseURL, "/")
	return map[string]string{
		URLDashboard:    base + "/dashboard",
		URLCourses:      base + "/courses",
		URLCommunity:    base + "/community",
		URLCertificates: base + "/certificates",
		URLProfile:      base + "/profile",
		URLUnsubscribe:  base + "/settings/notifications",
	}
}

// FullName joins first and last name, falling back to the first-name default.
func (c Context) FullName() string {
	full := strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
	if full == "" {
		return defaultFirstName
	}
	return full
}

func (c Context) lookup(key string) (string, bool) {
	switch key {
	case "firstName":
		if name := strings.TrimSpace(c.FirstName); name != "" {
			return name, true
		}
		return defaultFirstName, true
	case "lastName":
		return strings.TrimSpace(c.LastName), true
	case "email":
		return c.Email, true
	case "fullName":
		return c.FullName(), true
	}

	v, ok := c.URLs[key]
	return v, ok
}

// substitute replaces known placeholders. Unknown ones are left verbatim.
func substitute(raw string, ctx Context, escape bool) string {
	return placeholderRe.ReplaceAllStringFunc(raw, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := ctx.lookup(key)
		if !ok {
			return m
		}
		if escape {
			return html.EscapeString(v)
		}
		return v
	})
}

// RenderSubject substitutes placeholders and strips a leading [TEST] token.
func RenderSubject(raw string, ctx Context) string {
	subject := testPrefixRe.ReplaceAllString(raw, "")
	return strings.TrimSpace(substitute(subject, ctx, false))
}

// RenderBody substitutes placeholders and converts the markdown subset to HTML.
// Markup written in the template passes through; substituted values are escaped.
func RenderBody(raw string, ctx Context) string {
	body := substitute(normalizeNewlines(raw), ctx, true)
	body = strings.TrimSpace(body)

	body = boldRe.ReplaceAllString(body, "<strong>$1</strong>")
	body = italicRe.ReplaceAllString(body, "<em>$1</em>")
	body = paragraphRe.ReplaceAllString(body, "</p><p>")
	body = strings.ReplaceAll(body, "\n", "<br>")

	return "<p>" + body + "</p>"
}

// RenderText produces the plain-text alternative with markdown markers removed.
func RenderText(raw string, ctx Context) string {
	text := substitute(normalizeNewlines(raw), ctx, false)
	text = boldRe.ReplaceAllString(text, "$1")
	text = italicRe.ReplaceAllString(text, "$1")
	return strings.TrimSpace(text)
}

// Render produces subject, HTML body and plain-text body for one step.
func Render(subject, body string, ctx Context) Rendered {
	return Rendered{
		Subject: RenderSubject(subject, ctx),
		HTML:    RenderBody(body, ctx),
		Text:    RenderText(body, ctx),
	}
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
