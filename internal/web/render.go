package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io"

	"github.com/Sternrassler/episode-browser/pkg/client"
	"github.com/Sternrassler/episode-browser/pkg/guard"
	"github.com/Sternrassler/episode-browser/pkg/pagination"
)

//go:embed templates/*.html templates/*.css
var assets embed.FS

var templates = template.Must(template.ParseFS(assets, "templates/*.html"))

// FaultMessage is what the demo component throws on every render.
const FaultMessage = "This is a test error to show ErrorBoundary working!"

// faultyComponent always fails. It shows the demo boundary at work.
func faultyComponent(io.Writer) error {
	panic(errors.New(FaultMessage))
}

type headData struct {
	Refresh int
}

// pageRenderer turns a session snapshot into HTML.
type pageRenderer struct {
	faultDemo bool
	refresh   int
}

// render writes a full document. Everything inside <body> goes through the
// app boundary, and the demo component through its own boundary.
func (p pageRenderer) render(ctx context.Context, w io.Writer, sess *Session, view pagination.View[client.Episode]) error {
	app := sess.Boundary(BoundaryApp)

	head := headData{}
	if view.Status == pagination.StatusLoading && app.State() == guard.StateNormal {
		head.Refresh = p.refresh
	}
	if err := templates.ExecuteTemplate(w, "head", head); err != nil {
		return err
	}

	err := app.Render(ctx, w, func(w io.Writer) error {
		return p.home(ctx, w, sess, view)
	})
	if err != nil {
		return err
	}

	return templates.ExecuteTemplate(w, "foot", nil)
}

func (p pageRenderer) home(ctx context.Context, w io.Writer, sess *Session, view pagination.View[client.Episode]) error {
	switch view.Status {
	case pagination.StatusLoading:
		return templates.ExecuteTemplate(w, "loading", nil)
	case pagination.StatusFailed:
		msg := "unknown error"
		if view.Err != nil {
			msg = view.Err.Error()
		}
		return templates.ExecuteTemplate(w, "error", msg)
	}

	if err := templates.ExecuteTemplate(w, "header", nil); err != nil {
		return err
	}

	if p.faultDemo {
		if err := sess.Boundary(BoundaryDemo).Render(ctx, w, faultyComponent); err != nil {
			return err
		}
	}

	if err := templates.ExecuteTemplate(w, "episodes", view); err != nil {
		return err
	}
	return templates.ExecuteTemplate(w, "footer", nil)
}
