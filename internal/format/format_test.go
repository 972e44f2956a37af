package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlainText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "hola", "hola"},
		{"emphasis", "**Hola** _mundo_", "Hola mundo"},
		{"heading and paragraph", "# Título\n\nTexto", "Título\n\nTexto"},
		{"bullets", "- uno\n- dos", "- uno\n- dos"},
		{"ordered", "1. a\n2. b", "1. a\n2. b"},
		{"nested", "- a\n  - b", "- a\n  - b"},
		{"code span", "usa `go test`", "usa go test"},
		{"fenced code", "```go\nfmt.Println(1)\n```", "fmt.Println(1)"},
		{"link", "[sitio](https://x.io)", "sitio (https://x.io)"},
		{"autolink", "<https://x.io>", "https://x.io"},
		{"list then paragraph", "- a\n\nfin", "- a\n\nfin"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, PlainText(tc.in))
		})
	}
}
