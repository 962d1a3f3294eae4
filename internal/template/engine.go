// Package template expands parameterized Templates into concrete Jobs:
// parameter validation and coercion, per-template derived parameters, and
// single-pass `{token}` substitution across cloned step templates.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/kandev/orchestratord/internal/common/errors"
	"github.com/kandev/orchestratord/internal/common/logger"
	v1 "github.com/kandev/orchestratord/pkg/api/v1"
	"go.uber.org/zap"
)

// DerivedFunc computes additional parameters from the already-validated
// input set, keyed by template id (e.g. arithmetic templates compute
// "result" from their operands).
type DerivedFunc func(params map[string]string) (map[string]string, error)

// Engine holds the registered Templates and any per-template derived-
// parameter rules.
type Engine struct {
	mu       sync.RWMutex
	registry map[string]*v1.Template
	derived  map[string]DerivedFunc
	logger   *logger.Logger
}

// New constructs an empty Engine.
func New(log *logger.Logger) *Engine {
	return &Engine{
		registry: make(map[string]*v1.Template),
		derived:  make(map[string]DerivedFunc),
		logger:   log.WithFields(zap.String("component", "template")),
	}
}

// Register adds or replaces a Template.
func (e *Engine) Register(tpl *v1.Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry[tpl.ID] = tpl
}

// RegisterDerived attaches a derived-parameter rule to a template id.
func (e *Engine) RegisterDerived(templateID string, fn DerivedFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.derived[templateID] = fn
}

// Get returns a registered Template, or nil if unknown.
func (e *Engine) Get(templateID string) *v1.Template {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry[templateID]
}

// List returns every registered Template.
func (e *Engine) List() []*v1.Template {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*v1.Template, 0, len(e.registry))
	for _, tpl := range e.registry {
		out = append(out, tpl)
	}
	return out
}

// Expand validates and coerces paramsMap against templateID's declared
// parameters, computes any derived parameters, substitutes every `{name}`
// token across the template's cloned steps, and returns a fresh Job.
func (e *Engine) Expand(templateID string, paramsMap map[string]string) (*v1.Job, error) {
	e.mu.RLock()
	tpl, ok := e.registry[templateID]
	derive := e.derived[templateID]
	e.mu.RUnlock()
	if !ok {
		return nil, apperrors.TemplateNotFound(templateID)
	}

	resolved, err := e.validateAndCoerce(tpl, paramsMap)
	if err != nil {
		return nil, err
	}

	if derive != nil {
		computed, err := derive(resolved)
		if err != nil {
			return nil, apperrors.ParamInvalid("derived", err.Error())
		}
		for k, v := range computed {
			resolved[k] = v
		}
	}

	steps, err := expandSteps(tpl.Steps, resolved)
	if err != nil {
		return nil, err
	}

	arguments := substituteSlice(tpl.ArgumentsTemplate, resolved)

	priority := tpl.DefaultPriority
	if priority == 0 {
		priority = v1.PriorityNormal
	}

	now := time.Now()
	job := &v1.Job{
		ID:                 uuid.NewString(),
		Name:               tpl.Name,
		ApplicationPath:    tpl.ApplicationPath,
		Arguments:          arguments,
		Steps:              steps,
		Status:             v1.JobStatusPending,
		Priority:           priority,
		CreatedAt:          now,
		MaxRetries:         tpl.DefaultMaxRetries,
		TemplateID:         tpl.ID,
		TemplateParameters: resolved,
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = v1.DefaultMaxRetries
	}
	return job, nil
}

// validateAndCoerce enforces required/missing, type coercion, and regex
// validation for every declared parameter, returning the resolved string
// form used for substitution (stringified per spec §4.7 step 4).
func (e *Engine) validateAndCoerce(tpl *v1.Template, paramsMap map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(tpl.Parameters))

	for _, decl := range tpl.Parameters {
		raw, supplied := paramsMap[decl.Name]
		if !supplied {
			if decl.Default != "" {
				raw = decl.Default
			} else if decl.Required {
				return nil, apperrors.ParamMissing(decl.Name)
			} else {
				continue
			}
		}

		coerced, err := coerce(decl.Type, raw)
		if err != nil {
			return nil, apperrors.ParamInvalid(decl.Name, err.Error())
		}

		if decl.ValidationPattern != "" {
			matched, err := regexp.MatchString(decl.ValidationPattern, coerced)
			if err != nil {
				return nil, apperrors.ParamInvalid(decl.Name, fmt.Sprintf("invalid validation pattern: %v", err))
			}
			if !matched {
				return nil, apperrors.ParamInvalid(decl.Name, "does not match required pattern")
			}
		}

		resolved[decl.Name] = coerced
	}

	return resolved, nil
}

func coerce(t v1.ParamType, raw string) (string, error) {
	switch t {
	case v1.ParamTypeNumber:
		if _, err := strconv.ParseFloat(raw, 64); err != nil {
			return "", fmt.Errorf("expected a number: %w", err)
		}
		return raw, nil
	case v1.ParamTypeBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return "", fmt.Errorf("expected a boolean: %w", err)
		}
		return strconv.FormatBool(b), nil
	default:
		return raw, nil
	}
}

func expandSteps(stepTemplates []v1.StepTemplate, resolved map[string]string) ([]v1.Step, error) {
	ordered := make([]v1.StepTemplate, len(stepTemplates))
	copy(ordered, stepTemplates)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	steps := make([]v1.Step, 0, len(ordered))
	for _, st := range ordered {
		target, err := substitute(st.Target, resolved)
		if err != nil {
			return nil, err
		}
		value, err := substitute(st.Value, resolved)
		if err != nil {
			return nil, err
		}
		description, err := substitute(st.Description, resolved)
		if err != nil {
			return nil, err
		}

		params := make(map[string]string, len(st.Parameters))
		for k, v := range st.Parameters {
			sv, err := substitute(v, resolved)
			if err != nil {
				return nil, err
			}
			params[k] = sv
		}

		steps = append(steps, v1.Step{
			Order:           st.Order,
			Type:            st.Type,
			Target:          target,
			Value:           value,
			TimeoutMS:       st.TimeoutMS,
			ContinueOnError: st.ContinueOnError,
			Description:     description,
			Parameters:      params,
		})
	}
	return steps, nil
}

func substituteSlice(values []string, resolved map[string]string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		sv, err := substitute(v, resolved)
		if err != nil {
			// Arguments carry no UNRESOLVED_TOKEN obligation distinct from
			// steps; surface literal on error to keep expansion total here,
			// the caller's Expand validates steps separately.
			sv = v
		}
		out[i] = sv
	}
	return out
}

var tokenPattern = regexp.MustCompile(`\{[A-Za-z0-9_]+\}`)

// substitute performs a single left-to-right pass over s, replacing each
// `{name}` occurrence with its resolved value. Token boundaries make exact
// matches unambiguous between e.g. `{n}` and `{num}` without a longest-name
// ordering pass. A token matching no known parameter is left literal but
// reported as UNRESOLVED_TOKEN.
func substitute(s string, resolved map[string]string) (string, error) {
	if s == "" || !strings.Contains(s, "{") {
		return s, nil
	}

	var unresolved string
	result := tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		name := token[1 : len(token)-1]
		if v, ok := resolved[name]; ok {
			return v
		}
		if unresolved == "" {
			unresolved = name
		}
		return token
	})

	if unresolved != "" {
		return result, apperrors.UnresolvedToken(unresolved)
	}
	return result, nil
}
