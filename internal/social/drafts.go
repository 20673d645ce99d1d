// Package social writes daily post drafts for human approval and publishes
// approved posts to the social platforms.
package social

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"vaultline/internal/domain"
	"vaultline/internal/events"
	"vaultline/internal/frontmatter"
	"vaultline/internal/processor"
	"vaultline/internal/store"
)

type Platform string

const (
	LinkedIn  Platform = "linkedin"
	Facebook  Platform = "facebook"
	Instagram Platform = "instagram"
	Twitter   Platform = "twitter"
)

// Platforms lists every supported platform.
var Platforms = []Platform{LinkedIn, Facebook, Instagram, Twitter}

const (
	// TweetMaxLength is the Twitter v2 limit on post text.
	TweetMaxLength = 280
	postMaxLength  = 1300

	placeholderPrefix = "_Draft pending"
	contentSection    = "Post Content"
)

// ParsePlatform accepts a platform name.
func ParsePlatform(v string) (Platform, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, p := range Platforms {
		if v == string(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", v)
}

// Prefix is the draft file name prefix.
func (p Platform) Prefix() string {
	switch p {
	case LinkedIn:
		return "LINKEDIN_POST"
	case Facebook:
		return "FB_POST"
	case Instagram:
		return "IG_POST"
	case Twitter:
		return "TWEET"
	}
	return strings.ToUpper(string(p)) + "_POST"
}

// Action is the approval action handled by this platform's executor.
func (p Platform) Action() string {
	return string(p) + "_post"
}

// Service is the health registry key for the platform API.
func (p Platform) Service() string {
	return string(p)
}

// MaxChars bounds generated post text.
func (p Platform) MaxChars() int {
	if p == Twitter {
		return TweetMaxLength
	}
	return postMaxLength
}

func (p Platform) title() string {
	if p == Twitter {
		return "Tweet"
	}
	if p == LinkedIn {
		return "LinkedIn"
	}
	return strings.ToUpper(string(p[:1])) + string(p[1:])
}

func (p Platform) docType() string {
	if p == Twitter {
		return "tweet"
	}
	return p.Action()
}

func (p Platform) placeholder() string {
	if p == Twitter {
		return placeholderPrefix + ": Run the orchestrator or use /draft-tweet to generate content._"
	}
	return placeholderPrefix + ": Run the orchestrator or use /draft-" + string(p) + "-post to generate content._"
}

// DraftPrefixes are the prefixes of every social draft.
func DraftPrefixes() []string {
	out := make([]string, 0, len(Platforms))
	for _, p := range Platforms {
		out = append(out, p.Prefix())
	}
	return out
}

// DraftName returns the draft file name for the local day of t.
func DraftName(p Platform, t time.Time) string {
	return fmt.Sprintf("%s_%s.md", p.Prefix(), t.Format("2006-01-02"))
}

// Auditor appends audit entries.
type Auditor interface {
	Append(ctx context.Context, actionType, actor string, payload events.Payload) (domain.AuditEntry, error)
}

// Drafter writes one draft per platform per day into Pending_Approval.
type Drafter struct {
	Store     store.Store
	Processor processor.Processor
	Audit     Auditor
	Now       func() time.Time
	Logger    *log.Logger
}

func (d Drafter) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Drafter) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

// Draft writes today's draft for p and fills its content from the processor.
// A draft that already exists for today is returned untouched.
func (d Drafter) Draft(ctx context.Context, p Platform) (domain.Descriptor, error) {
	now := d.now()
	name := DraftName(p, now)
	if existing, err := d.Store.Get(domain.StateAwaitingApproval, name); err == nil {
		d.logger().Printf("social: draft already exists for today: %s", name)
		return existing, nil
	}

	goals := d.Store.ReadFile(store.GoalsFile)
	background := strings.TrimSpace(goals)
	if background == "" {
		background = "_No Business_Goals.md found._"
	}
	date := now.Format("2006-01-02")
	var b strings.Builder
	if p == Twitter {
		fmt.Fprintf(&b, "# Tweet Draft - %s\n\n", date)
	} else {
		fmt.Fprintf(&b, "# %s Post Draft - %s\n\n", p.title(), date)
	}
	fmt.Fprintf(&b, "## Business Context\n%s\n\n", background)
	b.WriteString("## Post Content\n")
	if p == Twitter {
		fmt.Fprintf(&b, "<!-- Replace this section with your tweet (max %d chars) before approving -->\n\n", TweetMaxLength)
	} else {
		b.WriteString("<!-- Replace this section with your post text before approving -->\n\n")
	}
	b.WriteString(p.placeholder() + "\n\n")
	b.WriteString("## Instructions\n")
	if p == Twitter {
		fmt.Fprintf(&b, "1. Review and edit the tweet above (max %d characters)\n", TweetMaxLength)
	} else {
		b.WriteString("1. Review and edit the post content above\n")
	}
	b.WriteString("2. Move this file to `/Approved/` to publish\n")
	b.WriteString("3. Move to `/Rejected/` to discard\n")

	desc, err := d.Store.Create(ctx, domain.StateAwaitingApproval, name, []frontmatter.Field{
		{Key: "type", Value: p.docType()},
		{Key: "action", Value: p.Action()},
		{Key: "status", Value: "pending_approval"},
		{Key: "created", Value: now.UTC().Format(time.RFC3339)},
		{Key: "priority", Value: string(domain.PriorityMedium)},
	}, b.String())
	if err != nil {
		return domain.Descriptor{}, fmt.Errorf("create %s draft: %w", p, err)
	}
	d.logger().Printf("social: created %s draft %s", p, name)

	filled, err := d.fill(ctx, p, desc, goals)
	if err != nil {
		d.logger().Printf("social: fill %s: %v", name, err)
	}
	if d.Audit != nil {
		if _, err := d.Audit.Append(ctx, events.DraftGenerated(string(p)), "scheduler", events.Payload{
			"file":   name,
			"filled": filled,
		}); err != nil {
			d.logger().Printf("social: audit %s: %v", name, err)
		}
	}
	return desc, nil
}

// fill replaces the placeholder line with generated text. It reports whether
// the draft now carries content.
func (d Drafter) fill(ctx context.Context, p Platform, desc domain.Descriptor, goals string) (bool, error) {
	if d.Processor == nil {
		return false, nil
	}
	text, err := d.Processor.Invoke(ctx, draftPrompt(p, goals), d.Store.Root)
	if processor.Failed(text, err) {
		return false, errors.New(processor.Text(text, err))
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return false, errors.New("processor returned no post text")
	}
	data, err := os.ReadFile(desc.Path)
	if err != nil {
		return false, err
	}
	updated := strings.Replace(string(data), p.placeholder(), text, 1)
	if updated == string(data) {
		return false, nil
	}
	if err := store.WriteFileAtomic(desc.Path, []byte(updated), 0o644); err != nil {
		return false, err
	}
	d.logger().Printf("social: %s draft updated with generated content", p)
	return true, nil
}

func draftPrompt(p Platform, goals string) string {
	note := ""
	if p.MaxChars() < postMaxLength {
		note = fmt.Sprintf(" (max %d characters)", p.MaxChars())
	}
	return fmt.Sprintf(`You are an operations assistant creating a %[1]s post.

## Business Goals
%[2]s

## Instructions
Write a short, engaging %[1]s post%[3]s based on the business goals above.
The post should:
- Be professional but approachable
- Include a concrete example or insight about automation
- End with a question or call-to-action
- NOT use hashtags excessively (max 3)

Output ONLY the post text, nothing else.`, p.title(), goals, note)
}

// PostText extracts the text under "## Post Content" without editor comment
// lines. An empty section or one still holding the placeholder is
// ErrPlaceholder.
func PostText(content string) (string, error) {
	var kept []string
	for _, line := range strings.Split(frontmatter.Section(content, contentSection), "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "<!--") && strings.HasSuffix(t, "-->") {
			continue
		}
		kept = append(kept, line)
	}
	text := strings.TrimSpace(strings.Join(kept, "\n"))
	if text == "" || strings.HasPrefix(text, "<!--") || strings.HasPrefix(text, placeholderPrefix) {
		return "", ErrPlaceholder
	}
	return text, nil
}

// ErrPlaceholder reports an approved draft with no real post text.
var ErrPlaceholder = errors.New("post content is empty or still a placeholder")
