package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/alexisbeaulieu97/mtt/internal/model"
	mtterrors "github.com/alexisbeaulieu97/mtt/pkg/errors"
)

// KeyParent names the section whose outcome gates another one.
const KeyParent = "parent"

// ValidateDefinition checks references between sections: every parent must
// name a configured section and parents must not form a cycle. Parents
// written as ${...} references are resolved at run time and not checked.
func ValidateDefinition(def *Definition) error {
	if def == nil {
		return mtterrors.NewConfigError("", "test definition is nil", nil)
	}

	parents := make(map[string]string)
	for _, sec := range def.sections {
		if sec.Skip {
			continue
		}
		parent, ok := sec.Param(KeyParent)
		if !ok || parent == "" || strings.Contains(parent, "${") {
			continue
		}
		target, found := def.Section(parent)
		if !found {
			return mtterrors.NewConfigError(sec.Name, fmt.Sprintf("parent references unknown section %q", parent), nil)
		}
		parents[sec.Name] = target.Name
	}

	if cycle := detectCycle(parents); len(cycle) > 0 {
		return mtterrors.NewConfigError("", fmt.Sprintf("parent cycle detected: %s", strings.Join(cycle, " -> ")), nil)
	}
	return nil
}

// ValidateRunOptions checks the invocation settings.
func ValidateRunOptions(opts model.RunOptions) error {
	if err := validatorInstance().Struct(opts); err != nil {
		return convertValidationError(err)
	}
	if len(opts.HarassTrigger) != len(opts.HarassStop) {
		return mtterrors.NewConfigError("options",
			fmt.Sprintf("%d harasser trigger scripts but %d stop scripts", len(opts.HarassTrigger), len(opts.HarassStop)), nil)
	}
	return nil
}

func convertValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return mtterrors.NewConfigError("options", "invalid options", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return mtterrors.NewConfigError("options", "invalid value for "+strings.Join(fields, ", "), nil)
}
