package v1

// ParamType is the coercion target applied to a supplied template parameter
// value before substitution.
type ParamType string

const (
	ParamTypeString  ParamType = "string"
	ParamTypeNumber  ParamType = "number"
	ParamTypeBoolean ParamType = "boolean"
)

// TemplateParameter declares one named input a Template accepts.
type TemplateParameter struct {
	Name              string    `json:"name"`
	Type              ParamType `json:"type"`
	Required          bool      `json:"required"`
	Default           string    `json:"default,omitempty"`
	ValidationPattern string    `json:"validationPattern,omitempty"`
	Description       string    `json:"description,omitempty"`
}

// StepTemplate is a Step whose Target/Value/Parameters may contain
// `{paramName}` tokens resolved at expansion time.
type StepTemplate struct {
	Order           int               `json:"order"`
	Type            StepType          `json:"type"`
	Target          string            `json:"target"`
	Value           string            `json:"value,omitempty"`
	TimeoutMS       int               `json:"timeoutMs"`
	ContinueOnError bool              `json:"continueOnError"`
	Description     string            `json:"description,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
}

// Template is a parameterized job blueprint expanded into a concrete Job by
// TemplateEngine.expand.
type Template struct {
	ID                 string              `json:"id"`
	Name                string              `json:"name"`
	Description         string              `json:"description,omitempty"`
	ApplicationPath     string              `json:"applicationPath"`
	ArgumentsTemplate   []string            `json:"argumentsTemplate,omitempty"`
	Parameters          []TemplateParameter `json:"parameters"`
	Steps               []StepTemplate      `json:"steps"`
	DefaultPriority     Priority            `json:"defaultPriority"`
	DefaultMaxRetries   int                 `json:"defaultMaxRetries"`
}
