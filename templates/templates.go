package templates

import (
	"fmt"

	"go.uber.org/fx"

	"github.com/gatehouse-io/gatehouse/models"
)

func New() (models.Templates, error) {
	templates := models.Templates{}

	if template, err := NewInvitationTemplate(); err != nil {
		return nil, fmt.Errorf("templates: failure to create invitation template: %s", err)
	} else {
		templates[template.Name()] = template
	}

	if template, err := NewReminderTemplate(); err != nil {
		return nil, fmt.Errorf("templates: failure to create reminder template: %s", err)
	} else {
		templates[template.Name()] = template
	}

	return templates, nil
}

// Module provides the compiled template set.
var Module = fx.Options(
	fx.Provide(New),
)
