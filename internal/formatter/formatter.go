// internal/formatter/formatter.go
package formatter

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"commit-notifier/internal/model"
)

const (
	// DefaultPageSize is the number of commits per chunked message.
	DefaultPageSize = 5

	// SummaryLimit is the number of commits listed by Summary before the overflow line.
	SummaryLimit = 5

	// MaxMessageRunes is Telegram's ceiling for one message text.
	MaxMessageRunes = 4096

	bodyExcerptLimit = 200
	titleLimit       = 200
	authorLimit      = 100
	separator        = "━━━━━━━━━━━━━━━━"
	dateLayout       = "2006-01-02 15:04 MST"
)

// Mode selects how a multi-commit batch is rendered.
type Mode string

const (
	ModeChunked Mode = "chunked"
	ModeSummary Mode = "summary"
)

// Options controls ForRepo. The zero value renders chunked pages of DefaultPageSize in UTC.
type Options struct {
	Mode     Mode
	PageSize int
	Location *time.Location
	// Now stamps the footer of chunked pages. Zero omits the footer.
	Now time.Time
}

// Message is one notification and the commits it covers.
type Message struct {
	Text    string
	Commits []model.Commit
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// EscapeHTML escapes the characters significant to Telegram's HTML parse mode.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

// RepoDisplay renders "owner/repo:branch" as "owner/repo (branch)".
func RepoDisplay(repoString string) string {
	repo, branch, ok := strings.Cut(repoString, ":")
	if !ok {
		return repoString
	}
	return fmt.Sprintf("%s (%s)", repo, branch)
}

// ForRepo renders commits of one repository into notification messages.
// One commit gets the detailed layout; more use the mode in opts.
func ForRepo(commits []model.Commit, repoString string, opts Options) []Message {
	switch {
	case len(commits) == 0:
		return nil
	case len(commits) == 1:
		return []Message{{Text: Detailed(commits[0], repoString, opts.Location), Commits: commits}}
	case opts.Mode == ModeSummary:
		return []Message{{Text: Summary(commits, repoString), Commits: commits}}
	default:
		return Chunked(commits, repoString, opts)
	}
}

// Detailed renders a single commit with its body excerpt. The excerpt is dropped
// when the message would otherwise exceed MaxMessageRunes.
func Detailed(c model.Commit, repoString string, loc *time.Location) string {
	title, body := splitMessage(c.Message)
	text := detailed(c, repoString, loc, title, body)
	if body != "" && utf8.RuneCountInString(text) > MaxMessageRunes {
		text = detailed(c, repoString, loc, title, "")
	}
	return text
}

func detailed(c model.Commit, repoString string, loc *time.Location, title, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📦 <b>%s</b>\n%s\n\n", EscapeHTML(RepoDisplay(repoString)), separator)
	fmt.Fprintf(&b, "<b>%s</b>\n", EscapeHTML(title))
	if body != "" {
		fmt.Fprintf(&b, "\n%s\n", EscapeHTML(truncate(body, bodyExcerptLimit)))
	}
	fmt.Fprintf(&b, "\n%s\n", separator)
	fmt.Fprintf(&b, "👤 %s\n", EscapeHTML(authorName(c)))
	fmt.Fprintf(&b, "🔗 %s\n", commitLink(c))
	fmt.Fprintf(&b, "🕐 %s", formatDate(c.CommitDate, loc))
	return b.String()
}

// Summary renders up to SummaryLimit commits in one message followed by an overflow count.
// Fewer are listed when the message would exceed MaxMessageRunes.
func Summary(commits []model.Commit, repoString string) string {
	listed := min(SummaryLimit, len(commits))
	text := summary(commits, repoString, listed)
	for listed > 1 && utf8.RuneCountInString(text) > MaxMessageRunes {
		listed--
		text = summary(commits, repoString, listed)
	}
	return text
}

func summary(commits []model.Commit, repoString string, listed int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📢 <b>%s</b> in %s\n\n", pluralCommits(len(commits), "new "), repoLink(repoString))

	for i, c := range commits[:listed] {
		title, _ := splitMessage(c.Message)
		fmt.Fprintf(&b, "%d. <code>%s</code> %s\n   by %s\n\n", i+1, shortSHA(c.SHA), EscapeHTML(title), EscapeHTML(authorName(c)))
	}
	if extra := len(commits) - listed; extra > 0 {
		fmt.Fprintf(&b, "... and %d more\n", extra)
	}
	return strings.TrimSpace(b.String())
}

// Chunked splits commits into pages of at most opts.PageSize. Numbering continues across
// pages and every page carries a "showing X-Y/N" header. A page that would exceed
// MaxMessageRunes is cut short and the rest moves to the next page.
func Chunked(commits []model.Commit, repoString string, opts Options) []Message {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	total := len(commits)
	messages := make([]Message, 0, (total+pageSize-1)/pageSize)

	for start := 0; start < total; {
		end := min(start+pageSize, total)
		text := chunk(commits, repoString, opts, start, end)
		for end-start > 1 && utf8.RuneCountInString(text) > MaxMessageRunes {
			end--
			text = chunk(commits, repoString, opts, start, end)
		}

		messages = append(messages, Message{Text: text, Commits: commits[start:end]})
		start = end
	}
	return messages
}

func chunk(commits []model.Commit, repoString string, opts Options, start, end int) string {
	total := len(commits)

	var b strings.Builder
	fmt.Fprintf(&b, "📢 <b>%s</b> in %s\n", pluralCommits(total, ""), repoLink(repoString))
	fmt.Fprintf(&b, "📋 showing %d-%d/%d\n\n", start+1, end, total)
	for i, c := range commits[start:end] {
		title, _ := splitMessage(c.Message)
		fmt.Fprintf(&b, "<b>%d.</b> %s\n", start+i+1, EscapeHTML(title))
		fmt.Fprintf(&b, "   👤 %s • %s\n\n", EscapeHTML(authorName(c)), commitLink(c))
	}
	if !opts.Now.IsZero() {
		fmt.Fprintf(&b, "<i>🕐 %s</i>", formatDate(opts.Now, opts.Location))
	}
	return strings.TrimSpace(b.String())
}

// Error renders a failure notice for the given context, e.g. a repository string.
func Error(context string, err error) string {
	return fmt.Sprintf("❌ <b>Error</b> in %s\n\n<code>%s</code>", EscapeHTML(context), EscapeHTML(err.Error()))
}

// RepoFailure is one failed repository in a test-notification run.
type RepoFailure struct {
	Repo  string `json:"repo"`
	Error string `json:"error"`
}

// TestReport renders the outcome of a test-notification run.
func TestReport(reposProcessed, messagesSent int, failures []RepoFailure) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ <b>Test notifications finished</b>\n\n")
	fmt.Fprintf(&b, "Repositories processed: %d\nMessages sent: %d", reposProcessed, messagesSent)
	if len(failures) > 0 {
		fmt.Fprintf(&b, "\n\n<b>Failures (%d):</b>", len(failures))
		for _, f := range failures {
			fmt.Fprintf(&b, "\n• <code>%s</code>: %s", EscapeHTML(f.Repo), EscapeHTML(f.Error))
		}
	}
	return b.String()
}

func splitMessage(msg string) (title, body string) {
	title, body, _ = strings.Cut(msg, "\n")
	title = strings.TrimSpace(title)
	if title == "" {
		title = "No message"
	}
	return truncate(title, titleLimit), strings.TrimSpace(body)
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	if sha == "" {
		return "unknown"
	}
	return sha
}

func authorName(c model.Commit) string {
	if c.AuthorName == "" {
		return "Unknown"
	}
	return truncate(c.AuthorName, authorLimit)
}

func commitLink(c model.Commit) string {
	url := c.URL
	if url == "" {
		url = "#"
	}
	return fmt.Sprintf(`<a href="%s">%s</a>`, EscapeHTML(url), EscapeHTML(shortSHA(c.SHA)))
}

func repoLink(repoString string) string {
	base, _, _ := strings.Cut(repoString, ":")
	return fmt.Sprintf(`<a href="https://github.com/%s">%s</a>`, EscapeHTML(base), EscapeHTML(RepoDisplay(repoString)))
}

func pluralCommits(n int, adjective string) string {
	if n == 1 {
		return fmt.Sprintf("1 %scommit", adjective)
	}
	return fmt.Sprintf("%d %scommits", n, adjective)
}

func formatDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dateLayout)
}
