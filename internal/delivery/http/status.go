package http

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"
)

// StatusPage renders a minimal operator page listing who is online
func StatusPage(online []string, connections int) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `<!DOCTYPE html><html lang="en"><head><meta charset="utf-8"><title>goat-relay</title></head><body><main><h1>goat-relay</h1>`); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, `<p>%d online, %d connections</p>`, len(online), connections); err != nil {
			return err
		}
		if len(online) == 0 {
			if _, err := io.WriteString(w, `<p>Nobody is online.</p>`); err != nil {
				return err
			}
		} else {
			if _, err := io.WriteString(w, `<ul id="online">`); err != nil {
				return err
			}
			for _, id := range online {
				if _, err := io.WriteString(w, `<li>`+templ.EscapeString(id)+`</li>`); err != nil {
					return err
				}
			}
			if _, err := io.WriteString(w, `</ul>`); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `</main></body></html>`)
		return err
	})
}
