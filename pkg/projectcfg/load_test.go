package projectcfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMapForm(t *testing.T) {
	yaml := `
name: demo
ssh:
  username: deploy
services:
  web:
    server: s1.example
    image: nginx
    proxy:
      hosts: [demo.example]
      app_port: 3000
`
	p, err := Parse([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "demo", p.Name)
	require.Contains(t, p.Services, "web")
	web := p.Services["web"]
	assert.Equal(t, "web", web.Name)
	assert.True(t, web.IsIngress())
	assert.Equal(t, "nginx", *web.Image)
}

func TestParseArrayForm(t *testing.T) {
	yaml := `
name: demo
services:
  - name: web
    server: s1.example
    image: nginx
`
	p, err := Parse([]byte(yaml))
	require.NoError(t, err)
	require.Contains(t, p.Services, "web")
	assert.Equal(t, "s1.example", p.Services["web"].Server)
}

func TestParseMergesAppsAndServices(t *testing.T) {
	yaml := `
name: demo
apps:
  web:
    server: s1.example
    image: nginx
services:
  db:
    server: s1.example
    image: postgres
`
	p, err := Parse([]byte(yaml))
	require.NoError(t, err)
	assert.Contains(t, p.Services, "web")
	assert.Contains(t, p.Services, "db")
}

func TestParseRejectsReservedName(t *testing.T) {
	yaml := `
name: demo
services:
  status:
    server: s1.example
    image: nginx
`
	_, err := Parse([]byte(yaml))
	assert.Error(t, err)
}

func TestParseRejectsBothImageAndBuild(t *testing.T) {
	yaml := `
name: demo
services:
  web:
    server: s1.example
    image: nginx
    build:
      context: .
`
	_, err := Parse([]byte(yaml))
	assert.Error(t, err)
}

func TestParseRejectsIngressWithoutPort(t *testing.T) {
	yaml := `
name: demo
services:
  web:
    server: s1.example
    image: nginx
    proxy:
      hosts: [demo.example]
`
	_, err := Parse([]byte(yaml))
	assert.Error(t, err)
}

func TestParseRequiresName(t *testing.T) {
	_, err := Parse([]byte("services:\n  web:\n    server: s1\n    image: nginx\n"))
	assert.Error(t, err)
}

func TestParseNormalizesImageReference(t *testing.T) {
	yaml := `
name: demo
services:
  web:
    server: s1.example
    image: library/nginx
`
	p, err := Parse([]byte(yaml))
	require.NoError(t, err)
	assert.Contains(t, *p.Services["web"].Image, "nginx")
}
