package generation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"text/template"

	"github.com/invopop/jsonschema"

	"github.com/okian/ritual/internal/domain/model"
)

// ProposalCount is how many rituals a batch asks for.
const ProposalCount = 5

//go:embed prompt.md
var batchPromptTemplate string

//go:embed swap_prompt.md
var swapPromptTemplate string

var (
	batchTmpl = template.Must(template.New("batch").Parse(batchPromptTemplate))
	swapTmpl  = template.Must(template.New("swap").Parse(swapPromptTemplate))
)

// PartnerBrief is the sanitized view of one partner's input.
type PartnerBrief struct {
	Moods  []string
	Desire string
}

// PromptData holds everything rendered into a prompt.
type PromptData struct {
	PartnerOne PartnerBrief
	PartnerTwo PartnerBrief
	Location   string
	Completed  []string
	Favourites []string
	Exclude    []string
	Replacing  string
	Count      int
	Schema     string
}

// ProposalSet is the object shape remote models are asked to return.
type ProposalSet struct {
	Rituals []model.Proposal `json:"rituals" jsonschema:"required"`
}

var (
	schemaOnce sync.Once
	schemaJSON string
	schemaObj  *jsonschema.Schema
)

// ResponseSchema returns the JSON schema of ProposalSet.
func ResponseSchema() (*jsonschema.Schema, string) {
	schemaOnce.Do(func() {
		r := jsonschema.Reflector{AllowAdditionalProperties: false, DoNotReference: true}
		schemaObj = r.Reflect(&ProposalSet{})
		b, err := json.MarshalIndent(schemaObj, "", "  ")
		if err != nil {
			panic(fmt.Sprintf("marshal proposal schema: %v", err))
		}
		schemaJSON = string(b)
	})
	return schemaObj, schemaJSON
}

func briefOf(in *model.PartnerInput) PartnerBrief {
	if in == nil {
		return PartnerBrief{}
	}
	return PartnerBrief{Moods: SanitizeAll(in.Moods), Desire: Sanitize(in.Desire)}
}

// BuildBatchPrompt renders the proposal batch prompt for a cycle.
func BuildBatchPrompt(c *model.WeeklyCycle, location string, h History) (Prompt, error) {
	_, schema := ResponseSchema()
	data := PromptData{
		PartnerOne: briefOf(c.PartnerOneInput),
		PartnerTwo: briefOf(c.PartnerTwoInput),
		Location:   Sanitize(location),
		Completed:  SanitizeAll(h.Completed),
		Favourites: SanitizeAll(h.Favourites),
		Count:      ProposalCount,
		Schema:     schema,
	}
	var buf bytes.Buffer
	if err := batchTmpl.Execute(&buf, data); err != nil {
		return Prompt{}, fmt.Errorf("render prompt: %w", err)
	}
	return Prompt{
		Kind:    KindBatch,
		Text:    buf.String(),
		Schema:  schema,
		Count:   ProposalCount,
		Exclude: h.Completed,
	}, nil
}

// BuildSwapPrompt renders the single replacement prompt. Every title in
// exclude must not be proposed again.
func BuildSwapPrompt(c *model.WeeklyCycle, location, replacing string, exclude []string) (Prompt, error) {
	_, schema := ResponseSchema()
	data := PromptData{
		PartnerOne: briefOf(c.PartnerOneInput),
		PartnerTwo: briefOf(c.PartnerTwoInput),
		Location:   Sanitize(location),
		Exclude:    SanitizeAll(exclude),
		Replacing:  Sanitize(replacing),
		Count:      1,
		Schema:     schema,
	}
	var buf bytes.Buffer
	if err := swapTmpl.Execute(&buf, data); err != nil {
		return Prompt{}, fmt.Errorf("render swap prompt: %w", err)
	}
	return Prompt{
		Kind:    KindSingle,
		Text:    buf.String(),
		Schema:  schema,
		Count:   1,
		Exclude: exclude,
	}, nil
}
