// Package validator decides whether a generated rule is structurally sound
// and whether it is a single template or a workflow.
package validator

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Kind distinguishes single templates from workflows.
type Kind string

const (
	KindTemplate Kind = "template"
	KindWorkflow Kind = "workflow"
)

// Flag returns the scanner flag that loads a file of this kind.
func (k Kind) Flag() string {
	if k == KindWorkflow {
		return "-w"
	}
	return "-t"
}

// protocolKeys are the top-level sections that carry a template's requests.
var protocolKeys = []string{
	"requests", "http", "dns", "network", "tcp", "file", "headless",
	"ssl", "websocket", "whois", "code", "javascript",
}

// Classify reports whether text is a workflow. Unparseable text is treated as
// a template.
func Classify(text string) Kind {
	var doc map[string]interface{}
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return KindTemplate
	}
	return classify(doc)
}

func classify(doc map[string]interface{}) Kind {
	if _, ok := doc["workflow"]; ok {
		return KindWorkflow
	}
	if _, ok := doc["workflows"]; ok {
		return KindWorkflow
	}
	return KindTemplate
}

// CheckText returns "" when text is a structurally sound rule, or the reason
// it is not.
func CheckText(text string) string {
	var root interface{}
	if err := yaml.Unmarshal([]byte(text), &root); err != nil {
		return fmt.Sprintf("invalid YAML: %v", err)
	}
	doc, ok := root.(map[string]interface{})
	if !ok {
		return "template must be a YAML mapping"
	}

	if id, ok := doc["id"]; !ok || id == nil || fmt.Sprint(id) == "" {
		return "missing required field: id"
	}
	info, ok := doc["info"]
	if !ok {
		return "missing required field: info"
	}
	if _, ok := info.(map[string]interface{}); !ok {
		return "info must be a mapping"
	}

	if classify(doc) == KindWorkflow {
		for _, key := range []string{"workflows", "workflow"} {
			if nonEmptyList(doc[key]) {
				return ""
			}
		}
		return "workflow must list at least one entry"
	}

	for _, key := range protocolKeys {
		v, ok := doc[key]
		if !ok {
			continue
		}
		if !nonEmptyList(v) {
			return fmt.Sprintf("%s must be a non-empty list", key)
		}
		return ""
	}
	return "missing request section (requests, http, dns, network, ...)"
}

func nonEmptyList(v interface{}) bool {
	list, ok := v.([]interface{})
	return ok && len(list) > 0
}
