package gig

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/qri-io/jsonschema"
)

// Category is the closed set of gig categories a posting can be filed under.
type Category string

// Category values accepted by the gig tools and the listing filter.
const (
	CategoryWebDevelopment    Category = "web_development"
	CategoryMobileDevelopment Category = "mobile_development"
	CategoryDesign            Category = "design"
	CategoryWriting           Category = "writing"
	CategoryMarketing         Category = "marketing"
	CategoryData              Category = "data"
	CategoryAIML              Category = "ai_ml"
	CategoryOther             Category = "other"
)

func (c Category) valid() bool {
	switch c {
	case CategoryWebDevelopment, CategoryMobileDevelopment, CategoryDesign, CategoryWriting,
		CategoryMarketing, CategoryData, CategoryAIML, CategoryOther:
		return true
	default:
		return false
	}
}

// createGigArgs is the argument payload shared by the gig tools. Only gig_title and
// gig_description are mandatory; everything else is optional with documented defaults.
type createGigArgs struct {
	GigTitle        string   `json:"gig_title"`
	GigDescription  string   `json:"gig_description"`
	Timeline        string   `json:"timeline,omitempty"`
	Budget          string   `json:"budget,omitempty"`
	SkillsRequired  []string `json:"skills_required,omitempty"`
	Category        Category `json:"category,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
	Email           string   `json:"email,omitempty"`
	ChatLink        string   `json:"chat_link,omitempty"`
}

// Gig is the structured content of a gig tool result, with all defaults applied.
type Gig struct {
	GigTitle        string   `json:"gig_title"`
	GigDescription  string   `json:"gig_description"`
	Timeline        string   `json:"timeline"`
	Budget          string   `json:"budget"`
	SkillsRequired  []string `json:"skills_required"`
	Category        Category `json:"category,omitempty"`
	SuccessCriteria []string `json:"success_criteria"`
	Email           string   `json:"email,omitempty"`
	ChatLink        string   `json:"chat_link,omitempty"`
}

// Default sentinels for omitted optional fields.
const (
	defaultTimeline = "To be discussed"
	defaultBudget   = "TBD"
)

// withDefaults resolves the omitted optional fields to their documented sentinels.
// Defaulting happens here once, for every tool, so no call site re-implements it.
func (a createGigArgs) withDefaults() Gig {
	g := Gig{
		GigTitle:        a.GigTitle,
		GigDescription:  a.GigDescription,
		Timeline:        a.Timeline,
		Budget:          a.Budget,
		SkillsRequired:  a.SkillsRequired,
		Category:        a.Category,
		SuccessCriteria: a.SuccessCriteria,
		Email:           a.Email,
		ChatLink:        a.ChatLink,
	}

	if g.Timeline == "" {
		g.Timeline = defaultTimeline
	}
	if g.Budget == "" {
		g.Budget = defaultBudget
	}
	if g.SkillsRequired == nil {
		g.SkillsRequired = []string{}
	}
	if g.SuccessCriteria == nil {
		g.SuccessCriteria = []string{}
	}

	return g
}

var createGigSchema = []byte(`{
  "type": "object",
  "properties": {
    "gig_title": {
      "type": "string",
      "description": "The title of the freelance gig, extracted from the ENTIRE conversation. Should be clear and specific about the work needed."
    },
    "gig_description": {
      "type": "string",
      "description": "COMPLETE description of the freelance work discussed in the ENTIRE conversation. Include all requirements, deliverables, technical details, and context mentioned throughout the conversation."
    },
    "timeline": {
      "type": "string",
      "description": "Project timeline or deadline mentioned anywhere in the conversation (e.g., '2 weeks', '1-2 months', '3 days'). If not specified, use 'To be discussed'."
    },
    "budget": {
      "type": "string",
      "description": "Budget or price range discussed in the conversation (e.g., '$1000', '$500-$1000', 'TBD'). If not specified, use 'TBD'."
    },
    "skills_required": {
      "type": "array",
      "items": { "type": "string" },
      "description": "List of skills or technologies needed for this gig based on the ENTIRE conversation (e.g., ['React', 'Node.js', 'API Design']). Extract all technical requirements mentioned."
    },
    "category": {
      "type": "string",
      "enum": ["web_development", "mobile_development", "design", "writing", "marketing", "data", "ai_ml", "other"],
      "description": "The category this gig belongs to."
    },
    "success_criteria": {
      "type": "array",
      "items": { "type": "string" },
      "description": "Measurable criteria that define when the gig is complete."
    },
    "email": {
      "type": "string",
      "description": "Contact email for the gig poster."
    },
    "chat_link": {
      "type": "string",
      "description": "Link back to the conversation this gig was created from."
    }
  },
  "required": ["gig_title", "gig_description"],
  "additionalProperties": false
}`)

var createGigValidator = jsonschema.Must(string(createGigSchema))

// validateArgs checks the raw arguments against the gig input schema. It runs before
// dispatch reaches any collaborator, so an invalid payload can never cause a partial
// side effect.
func validateArgs(ctx context.Context, args json.RawMessage) error {
	data := args
	if len(data) == 0 {
		data = []byte(`{}`)
	}

	verrs, err := createGigValidator.ValidateBytes(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to validate arguments: %w", err)
	}
	if len(verrs) > 0 {
		errStr := make([]string, 0, len(verrs))
		for _, verr := range verrs {
			errStr = append(errStr, verr.Message)
		}
		return fmt.Errorf("arguments validation failed: %s", strings.Join(errStr, ", "))
	}

	return nil
}
