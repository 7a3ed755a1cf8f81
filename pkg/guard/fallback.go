package guard

import (
	"html/template"
	"io"
)

var defaultFallback = template.Must(template.New("fallback").Parse(`<div class="boundary-fallback" data-boundary="{{.Boundary}}">
  <h2>Oops, something went wrong!</h2>
  <p>It looks like there was an error loading this part of the application.</p>
  {{- if .ResetAction}}
  <form method="post" action="{{.ResetAction}}"><button type="submit">Try again?</button></form>
  {{- end}}
</div>
`))

// DefaultFallback renders a static recovery message with a retry button
// that posts to the boundary's reset action.
func DefaultFallback(w io.Writer, fb Fallback) error {
	return defaultFallback.Execute(w, fb)
}
