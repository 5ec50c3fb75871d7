package admin

import (
	"embed"
	"html/template"
	"io"
	"io/fs"
	"time"

	"github.com/matt-riley/cartfee/internal/core"
)

//go:embed templates/*.html static/*
var content embed.FS

var templates = template.Must(template.New("admin").Funcs(template.FuncMap{
	"formatDate": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(dateLayout)
	},
	"feeAmount": func(r core.FeeRule) string {
		if r.FeeType == core.FeeTypePercentage {
			return r.Amount.String() + "%"
		}
		return r.Amount.StringFixed(2)
	},
}).ParseFS(content, "templates/*.html"))

func staticFS() fs.FS {
	sub, err := fs.Sub(content, "static")
	if err != nil {
		panic(err)
	}
	return sub
}

// Render renders a page or fragment template with the given data.
func Render(w io.Writer, name string, data any) error {
	return templates.ExecuteTemplate(w, name, data)
}
