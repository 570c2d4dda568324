package enrollment

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// FieldDescriptor describes one input on a form.
type FieldDescriptor struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Required bool   `json:"required" yaml:"required"`
}

// FormDescriptor describes one form of an enrollment flow.
type FormDescriptor struct {
	FormID   string            `json:"formId" yaml:"formId"`
	FormName string            `json:"formName" yaml:"formName"`
	FormType string            `json:"formType" yaml:"formType"`
	Fields   []FieldDescriptor `json:"fields" yaml:"fields"`
}

//go:embed default_forms.yaml
var defaultFormsYAML []byte

var defaultForms = sync.OnceValue(func() []FormDescriptor {
	forms, err := ParseForms(defaultFormsYAML)
	if err != nil {
		panic(fmt.Sprintf("enrollment: embedded default forms: %v", err))
	}
	return forms
})

// DefaultForms returns a fresh copy of the four-form fallback set: consent,
// application, electronic finance and financial purpose.
func DefaultForms() []FormDescriptor {
	return CloneForms(defaultForms())
}

// ParseForms decodes a YAML list of forms.
func ParseForms(data []byte) ([]FormDescriptor, error) {
	var forms []FormDescriptor
	if err := yaml.Unmarshal(data, &forms); err != nil {
		return nil, fmt.Errorf("parse forms: %w", err)
	}
	for i, f := range forms {
		if f.FormID == "" {
			return nil, fmt.Errorf("parse forms: form %d has no formId", i)
		}
	}
	return forms, nil
}

// CloneForms deep-copies a form list.
func CloneForms(forms []FormDescriptor) []FormDescriptor {
	if forms == nil {
		return nil
	}
	out := make([]FormDescriptor, len(forms))
	for i, f := range forms {
		out[i] = f
		out[i].Fields = append([]FieldDescriptor(nil), f.Fields...)
	}
	return out
}

// NormalizeProductID maps bare numeric ids onto the catalog format
// ("33" → "P033"). Anything else is returned trimmed.
func NormalizeProductID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, "P") {
		return id
	}
	n, err := strconv.Atoi(id)
	if err != nil || n < 0 {
		return id
	}
	return fmt.Sprintf("P%03d", n)
}
