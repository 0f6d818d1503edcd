// internal/service/template.go
package service

import (
	"strings"

	"github.com/rebirthhq/comms-service/internal/model"
)

// RenderTemplate substitutes {key} placeholders in order of the variable
// bag. Values are applied as-is; validation happens before save.
func RenderTemplate(template string, variables []model.TemplateVariable) string {
	result := template
	for _, v := range variables {
		result = strings.ReplaceAll(result, "{"+v.Key+"}", v.Value)
	}
	return result
}
