package models

import (
	"bytes"
	"fmt"
	"html/template"
)

type (
	TemplateName string

	// Template renders the subject and HTML body of an outbound notification.
	Template interface {
		Name() TemplateName
		Execute(content interface{}) (string, string, error)
	}

	Templates map[TemplateName]Template

	// PrecompiledTemplate is a Template compiled once at startup.
	PrecompiledTemplate struct {
		name            TemplateName
		subjectTemplate *template.Template
		bodyTemplate    *template.Template
	}
)

const (
	TemplateNameUndefined  TemplateName = ""
	TemplateNameInvitation TemplateName = "invitation"
	TemplateNameReminder   TemplateName = "invitation_reminder"
)

func NewPrecompiledTemplate(name TemplateName, subjectText, bodyText string) (*PrecompiledTemplate, error) {
	subjectTemplate, err := template.New(string(name) + "_subject").Parse(subjectText)
	if err != nil {
		return nil, fmt.Errorf("templates: failure to compile subject for %s: %w", name, err)
	}

	bodyTemplate, err := template.New(string(name) + "_body").Parse(bodyText)
	if err != nil {
		return nil, fmt.Errorf("templates: failure to compile body for %s: %w", name, err)
	}

	return &PrecompiledTemplate{
		name:            name,
		subjectTemplate: subjectTemplate,
		bodyTemplate:    bodyTemplate,
	}, nil
}

func (p *PrecompiledTemplate) Name() TemplateName {
	return p.name
}

func (p *PrecompiledTemplate) Execute(content interface{}) (string, string, error) {
	var subject bytes.Buffer
	if err := p.subjectTemplate.Execute(&subject, content); err != nil {
		return "", "", fmt.Errorf("templates: failure to execute subject for %s: %w", p.name, err)
	}

	var body bytes.Buffer
	if err := p.bodyTemplate.Execute(&body, content); err != nil {
		return "", "", fmt.Errorf("templates: failure to execute body for %s: %w", p.name, err)
	}

	return subject.String(), body.String(), nil
}
