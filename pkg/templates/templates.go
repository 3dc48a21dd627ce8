// Package templates renders the fixed configuration files siteops installs.
//
// Each template ships embedded in the binary. An operator can override one
// by placing <name>.template on the search path.
package templates

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Template names
const (
	NginxStatic   = "nginx-static"
	NginxTLSProxy = "nginx-tls-proxy"
	OpenSSLConf   = "openssl-conf"
)

//go:embed files/*.template
var builtin embed.FS

var placeholderPattern = regexp.MustCompile(`\{\{[A-Z_]+\}\}`)

// TemplateData holds variables for template rendering.
type TemplateData map[string]string

// GetTemplatePaths returns the override search paths for a template.
func GetTemplatePaths(templateName string) []string {
	filename := templateName + ".template"
	return []string{
		filepath.Join(".", "templates", filename),
		filepath.Join(".", "config", "templates", filename),
		filepath.Join("/etc", "siteops", "templates", filename),
	}
}

// GetTemplate returns the raw template content by name.
// Overrides are tried in order:
// 1. ./templates/<name>.template
// 2. ./config/templates/<name>.template
// 3. /etc/siteops/templates/<name>.template
// then the embedded copy is used.
func GetTemplate(name string) (string, error) {
	if !ValidateTemplate(name) {
		return "", fmt.Errorf("unknown template: %s", name)
	}

	for _, path := range GetTemplatePaths(name) {
		if content, err := os.ReadFile(path); err == nil {
			return string(content), nil
		}
	}

	content, err := builtin.ReadFile("files/" + name + ".template")
	if err != nil {
		return "", fmt.Errorf("template %s not embedded: %w", name, err)
	}
	return string(content), nil
}

// Render renders a template with the given data.
// Uses {{PLACEHOLDER}} syntax for variable substitution. A placeholder
// left without a value is an error.
//
// Example:
//
//	rendered, err := Render(NginxTLSProxy, TemplateData{
//	    "DOMAIN":    "example.com",
//	    "PORT":      "8080",
//	    "CERT_PATH": "/root/cert/site.crt",
//	    "KEY_PATH":  "/root/cert/site.key",
//	})
func Render(templateName string, data TemplateData) (string, error) {
	tmplContent, err := GetTemplate(templateName)
	if err != nil {
		return "", err
	}

	rendered := tmplContent
	for key, value := range data {
		rendered = strings.ReplaceAll(rendered, "{{"+key+"}}", value)
	}

	if missing := placeholderPattern.FindAllString(rendered, -1); len(missing) > 0 {
		return "", fmt.Errorf("template %s: unresolved placeholders %v", templateName, unique(missing))
	}

	return rendered, nil
}

// ListTemplates returns a list of all available template names.
func ListTemplates() []string {
	return []string{
		NginxStatic,
		NginxTLSProxy,
		OpenSSLConf,
	}
}

// ValidateTemplate checks if a template name is valid.
func ValidateTemplate(name string) bool {
	for _, known := range ListTemplates() {
		if name == known {
			return true
		}
	}
	return false
}

func unique(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	return out
}
