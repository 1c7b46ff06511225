// internal/service/template_service.go
package service

import (
	"strings"

	"github.com/unclebandit/leadblast-dispatch/internal/model"
)

// RenderTemplate replaces {key} placeholders. Unknown placeholders are kept.
func RenderTemplate(template string, data map[string]string) string {
	if template == "" || len(data) == 0 {
		return template
	}
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// LeadTemplateData exposes the lead fields usable in a message. Missing
// values render as empty strings.
func LeadTemplateData(lead *model.CampaignLead) map[string]string {
	data := map[string]string{"name": "", "email": "", "address": ""}
	if lead == nil {
		return data
	}
	data["address"] = lead.Address
	if lead.Name != nil {
		data["name"] = *lead.Name
	}
	if lead.Email != nil {
		data["email"] = *lead.Email
	}
	return data
}
