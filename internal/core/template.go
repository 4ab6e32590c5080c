package core

import "fmt"

// TemplateKind distinguishes base data workbooks from report workbooks.
type TemplateKind string

const (
	TemplateBase     TemplateKind = "base"
	TemplateReportes TemplateKind = "reportes"
)

// TemplateDefinition names the workbook file used for one category and kind.
type TemplateDefinition struct {
	Disciplina string       `yaml:"disciplina" json:"disciplina"`
	Tipo       TemplateKind `yaml:"tipo" json:"tipo"`
	Filename   string       `yaml:"filename" json:"filename"`
}

// Key returns the "<disciplina>_<tipo>" key shared by the schema, dataset and
// status documents of the template.
func (t TemplateDefinition) Key() string {
	return fmt.Sprintf("%s_%s", t.Disciplina, t.Tipo)
}

// TemplateCatalog is an ordered list of template definitions.
type TemplateCatalog []TemplateDefinition

// Find returns the template for a category and kind.
func (c TemplateCatalog) Find(disciplina string, tipo TemplateKind) (TemplateDefinition, bool) {
	for _, t := range c {
		if t.Disciplina == disciplina && t.Tipo == tipo {
			return t, true
		}
	}
	return TemplateDefinition{}, false
}
