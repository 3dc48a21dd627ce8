package templates

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderNginxStatic(t *testing.T) {
	out, err := Render(NginxStatic, TemplateData{
		"DOMAIN": "example.com",
		"ROOT":   "/var/www/site",
	})
	require.NoError(t, err)

	assert.Contains(t, out, "server_name example.com www.example.com;")
	assert.Contains(t, out, "root /var/www/site;")
	assert.Contains(t, out, "expires 1y;")
	assert.Contains(t, out, `return 200 "healthy\n";`)
	assert.Contains(t, out, "try_files $uri $uri/ /index.html;")
}

func TestRenderNginxTLSProxy(t *testing.T) {
	out, err := Render(NginxTLSProxy, TemplateData{
		"DOMAIN":    "example.com",
		"PORT":      "8080",
		"CERT_PATH": "/root/cert/site.crt",
		"KEY_PATH":  "/root/cert/site.key",
	})
	require.NoError(t, err)

	assert.Contains(t, out, "return 301 https://$host$request_uri;")
	assert.Contains(t, out, "listen 443 ssl http2;")
	assert.Contains(t, out, "ssl_certificate /root/cert/site.crt;")
	assert.Contains(t, out, "ssl_certificate_key /root/cert/site.key;")
	assert.Contains(t, out, "proxy_pass http://127.0.0.1:8080;")
	assert.Contains(t, out, "proxy_set_header X-Forwarded-Proto $scheme;")
}

func TestRenderOpenSSLConf(t *testing.T) {
	out, err := Render(OpenSSLConf, TemplateData{
		"DOMAIN": "example.com",
		"ORG":    "site",
		"BITS":   "2048",
	})
	require.NoError(t, err)

	assert.Contains(t, out, "CN = example.com")
	assert.Contains(t, out, "DNS.1 = example.com")
	assert.Contains(t, out, "DNS.2 = www.example.com")
	assert.Contains(t, out, "IP.1 = 127.0.0.1")
	assert.Contains(t, out, "default_bits = 2048")
}

func TestRenderMissingPlaceholder(t *testing.T) {
	_, err := Render(NginxTLSProxy, TemplateData{"DOMAIN": "example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{{PORT}}")
	assert.Equal(t, 1, strings.Count(err.Error(), "{{CERT_PATH}}"))
}

func TestRenderUnknownTemplate(t *testing.T) {
	_, err := Render("systemd-service", nil)
	assert.Error(t, err)
}

func TestGetTemplateOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "templates"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "templates", "nginx-static.template"),
		[]byte("server { server_name {{DOMAIN}}; }"), 0644))
	t.Chdir(dir)

	out, err := Render(NginxStatic, TemplateData{"DOMAIN": "override.example"})
	require.NoError(t, err)
	assert.Equal(t, "server { server_name override.example; }", out)
}

func TestListTemplatesAllEmbedded(t *testing.T) {
	for _, name := range ListTemplates() {
		assert.True(t, ValidateTemplate(name))
		content, err := GetTemplate(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, content)
	}
	assert.False(t, ValidateTemplate("nginx-site"))
}
