// Package md renders cached families as markdown documents with YAML frontmatter.
package md

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JohanCodinha/crmsync/internal/cache"
)

// Frontmatter is the YAML header of a family document.
type Frontmatter struct {
	ID                 int64         `yaml:"id"`
	Name               string        `yaml:"name"`
	ContactType        string        `yaml:"contact_type,omitempty"`
	CreatedDate        string        `yaml:"created_date,omitempty"`
	LastEngagementDate string        `yaml:"last_engagement_date,omitempty"`
	UpdatedAt          string        `yaml:"updated_at"`
	Tags               []interface{} `yaml:"tags,omitempty"`
}

const delimiter = "---"

// noEngagement is shown in the body when the refresh pass has not set a date.
const noEngagement = "none recorded"

// ToMarkdown converts a family to a markdown document.
func ToMarkdown(family *cache.Family) string {
	fm := Frontmatter{
		ID:                 family.ID,
		Name:               family.Name,
		ContactType:        family.ContactType,
		CreatedDate:        family.CreatedDate,
		LastEngagementDate: family.LastEngagementDate,
		UpdatedAt:          family.UpdatedAt.UTC().Format(time.RFC3339),
		Tags:               decodeTags(family.Tags),
	}

	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		panic(fmt.Sprintf("md: failed to encode frontmatter: %v", err))
	}
	enc.Close()

	buf.WriteString(delimiter + "\n\n")

	title := family.Name
	if title == "" {
		title = fmt.Sprintf("Contact %d", family.ID)
	}
	fmt.Fprintf(&buf, "# %s\n\n", title)

	buf.WriteString("## Engagement\n\n")
	last := family.LastEngagementDate
	if last == "" {
		last = noEngagement
	}
	fmt.Fprintf(&buf, "Last engagement: %s\n", last)

	return buf.String()
}

// parseFrontmatter reads the YAML header back out of a rendered document.
func parseFrontmatter(content string) (*Frontmatter, error) {
	if !strings.HasPrefix(content, delimiter+"\n") {
		return nil, fmt.Errorf("missing frontmatter")
	}

	rest := content[len(delimiter)+1:]
	end := strings.Index(rest, "\n"+delimiter)
	if end < 0 {
		return nil, fmt.Errorf("unterminated frontmatter")
	}

	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
	}
	return &fm, nil
}

// decodeTags turns raw JSON tag values into plain values so YAML renders
// them structurally. A value that fails to decode is kept as its raw text.
func decodeTags(tags []json.RawMessage) []interface{} {
	if len(tags) == 0 {
		return nil
	}

	out := make([]interface{}, 0, len(tags))
	for _, raw := range tags {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			v = string(raw)
		}
		out = append(out, v)
	}
	return out
}
